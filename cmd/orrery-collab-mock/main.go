// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Orrery-collab-mock is a stand-in collaboration endpoint for
// integration tests and local development. It speaks the client's
// newline-delimited JSON frame protocol on plain TCP, keeps every
// document in memory, and implements the endpoint half of the session
// protocol:
//
//   - join: assigns a session and participant identity, returns the
//     current roster, and announces the newcomer to everyone else
//   - field_change: stores the mutation, acks it back to the writer,
//     fans it out to the other participants, and sends a conflict_hint
//     to the writer when the edit's base does not match stored state
//   - snapshot_request: returns the document's full field set
//   - heartbeat: answered immediately
//   - presence: cursor moves and liveness relayed to other participants
//   - leave (or a dropped connection): removes the participant and
//     announces the departure
//
// State is process-lifetime only. Restarting the mock loses all
// documents, which is exactly what outbox replay tests want.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/orrery-project/orrery/channel"
	"github.com/orrery-project/orrery/lib/config"
	"github.com/orrery-project/orrery/lib/netutil"
	"github.com/orrery-project/orrery/lib/process"
	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/lib/version"
	"github.com/orrery-project/orrery/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var listen string
	var credential string
	var verbose bool

	flagSet := pflag.NewFlagSet("orrery-collab-mock", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to orrery.yaml (default: ORRERY_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides endpoint.address from config)")
	flagSet.StringVar(&credential, "credential", "", "if set, joins presenting any other credential are rejected")
	flagSet.BoolVar(&verbose, "verbose", false, "log at debug level")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("orrery-collab-mock")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.PrintDefaults()
		return nil
	}

	cfg := config.Default()
	if configPath == "" {
		configPath = os.Getenv("ORRERY_CONFIG")
	}
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
	}
	address := cfg.Endpoint.Address
	if listen != "" {
		address = listen
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	endpoint := newEndpoint(logger, credential)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("mock collaboration endpoint running", "address", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go endpoint.serve(ctx, conn)
	}
}

// endpoint holds every in-memory document and the live connections.
type endpoint struct {
	logger     *slog.Logger
	credential string

	mu        sync.Mutex
	documents map[ref.DocumentID]*document
	sequence  int
}

// document is one shared parameter space and its connected clients.
type document struct {
	fields  map[ref.Path]wire.SnapshotField
	roster  map[ref.ParticipantID]wire.PresenceEntry
	clients map[ref.ParticipantID]*client
}

// client is one joined connection.
type client struct {
	conn        *channel.StreamConn
	session     ref.SessionID
	participant ref.ParticipantID
	document    ref.DocumentID
	displayName string
}

func newEndpoint(logger *slog.Logger, credential string) *endpoint {
	return &endpoint{
		logger:     logger,
		credential: credential,
		documents:  make(map[ref.DocumentID]*document),
	}
}

// serve owns one TCP connection from accept to teardown.
func (e *endpoint) serve(ctx context.Context, raw net.Conn) {
	conn := channel.NewStreamConn(raw)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger := e.logger.With("remote", raw.RemoteAddr())

	var joined *client
	defer func() {
		if joined != nil {
			e.drop(joined)
		}
	}()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			logger.Debug("connection closed", "error", err)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			logger.Warn("undecodable frame dropped", "error", err)
			e.send(conn, wire.ErrorFrame{Code: wire.ErrCodeMalformed, Message: err.Error()})
			continue
		}

		switch f := frame.(type) {
		case wire.Join:
			joined = e.handleJoin(logger, conn, f)
			if joined == nil {
				return
			}
		case wire.Heartbeat:
			e.send(conn, wire.HeartbeatAck{})
		case wire.FieldChange:
			if joined == nil {
				e.send(conn, wire.ErrorFrame{Code: wire.ErrCodeMalformed, Message: "field_change before join"})
				continue
			}
			e.handleFieldChange(logger, joined, f)
		case wire.SnapshotRequest:
			if joined == nil {
				e.send(conn, wire.ErrorFrame{Code: wire.ErrCodeMalformed, Message: "snapshot_request before join"})
				continue
			}
			e.handleSnapshotRequest(logger, joined, f)
		case wire.Presence:
			if joined != nil {
				e.relayPresence(joined, f)
			}
		case wire.Leave:
			if joined != nil {
				e.drop(joined)
				joined = nil
			}
			return
		default:
			logger.Debug("ignoring frame", "frame_type", frame.Type())
		}
	}
}

// handleJoin admits (or rejects) a client and returns its registration.
func (e *endpoint) handleJoin(logger *slog.Logger, conn *channel.StreamConn, join wire.Join) *client {
	if e.credential != "" && join.Credential != e.credential {
		logger.Info("join rejected", "document", join.Document)
		e.send(conn, wire.ErrorFrame{Code: wire.ErrCodeAuthRejected, Message: "credential refused"})
		return nil
	}

	e.mu.Lock()
	doc, ok := e.documents[join.Document]
	if !ok {
		doc = &document{
			fields:  make(map[ref.Path]wire.SnapshotField),
			roster:  make(map[ref.ParticipantID]wire.PresenceEntry),
			clients: make(map[ref.ParticipantID]*client),
		}
		e.documents[join.Document] = doc
	}

	e.sequence++
	session, _ := ref.ParseSessionID(fmt.Sprintf("s-%d", e.sequence))
	participant, _ := ref.ParseParticipantID(fmt.Sprintf("p-%d", e.sequence))

	joined := &client{
		conn:        conn,
		session:     session,
		participant: participant,
		document:    join.Document,
		displayName: join.DisplayName,
	}
	entry := wire.PresenceEntry{
		Participant: participant,
		DisplayName: join.DisplayName,
		JoinedAt:    time.Now().UTC(),
	}
	doc.roster[participant] = entry
	doc.clients[participant] = joined

	roster := make([]wire.PresenceEntry, 0, len(doc.roster))
	for _, member := range doc.roster {
		roster = append(roster, member)
	}
	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].JoinedAt.Before(roster[j].JoinedAt)
		}
		return roster[i].Participant.Compare(roster[j].Participant) < 0
	})
	e.mu.Unlock()

	logger.Info("participant joined",
		"document", join.Document,
		"participant", participant,
		"session", session,
	)
	e.send(conn, wire.JoinAck{Session: session, Participant: participant, Roster: roster})
	e.broadcast(joined, wire.Presence{
		Event:       wire.PresenceJoin,
		Participant: participant,
		DisplayName: join.DisplayName,
	})
	return joined
}

// handleFieldChange stores the edit, acks it, fans it out, and warns
// the writer when the edit's causal base does not match stored state.
func (e *endpoint) handleFieldChange(logger *slog.Logger, from *client, change wire.FieldChange) {
	e.mu.Lock()
	doc := e.documents[from.document]
	stored, exists := doc.fields[change.Path]
	conflicting := exists && stored.Version != change.BaseVersion && stored.Version != change.Version
	doc.fields[change.Path] = wire.SnapshotField{
		Path:        change.Path,
		Value:       change.Value,
		Version:     change.Version,
		BaseVersion: change.BaseVersion,
		Writer:      change.Writer,
	}
	e.mu.Unlock()

	if !change.Mutation.IsZero() {
		e.send(from.conn, wire.Ack{Mutation: change.Mutation})
	}
	if conflicting {
		logger.Debug("concurrent edit",
			"path", change.Path,
			"stored", stored.Version,
			"incoming", change.Version,
		)
		e.send(from.conn, wire.ConflictHint{
			Path:     change.Path,
			Versions: []wire.Version{stored.Version, change.Version},
		})
	}

	// Other participants never see the mutation ID: it only means
	// something to the writer's outbox.
	change.Mutation = ref.MutationID{}
	e.broadcast(from, change)
}

func (e *endpoint) handleSnapshotRequest(logger *slog.Logger, from *client, request wire.SnapshotRequest) {
	e.mu.Lock()
	doc := e.documents[from.document]
	fields := make([]wire.SnapshotField, 0, len(doc.fields))
	for _, field := range doc.fields {
		fields = append(fields, field)
	}
	e.mu.Unlock()

	sort.Slice(fields, func(i, j int) bool { return fields[i].Path.String() < fields[j].Path.String() })

	response, err := wire.NewSnapshotResponse(request.Document, fields)
	if err != nil {
		logger.Error("building snapshot", "error", err)
		return
	}
	logger.Debug("snapshot served", "document", request.Document, "fields", len(fields))
	e.send(from.conn, response)
}

// relayPresence stamps the sender's identity and fans the event out.
func (e *endpoint) relayPresence(from *client, event wire.Presence) {
	event.Participant = from.participant
	event.DisplayName = from.displayName
	e.broadcast(from, event)
}

// drop removes a client from its document and announces the departure.
func (e *endpoint) drop(leaving *client) {
	e.mu.Lock()
	doc, ok := e.documents[leaving.document]
	if ok {
		delete(doc.roster, leaving.participant)
		delete(doc.clients, leaving.participant)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.logger.Info("participant left",
		"document", leaving.document,
		"participant", leaving.participant,
	)
	e.broadcast(leaving, wire.Presence{
		Event:       wire.PresenceLeave,
		Participant: leaving.participant,
	})
}

// broadcast sends a frame to every participant of from's document
// except from itself.
func (e *endpoint) broadcast(from *client, frame wire.Frame) {
	e.mu.Lock()
	doc, ok := e.documents[from.document]
	var peers []*client
	if ok {
		for id, peer := range doc.clients {
			if id != from.participant {
				peers = append(peers, peer)
			}
		}
	}
	e.mu.Unlock()

	for _, peer := range peers {
		e.send(peer.conn, frame)
	}
}

// send encodes and writes one frame, logging rather than failing: a
// slow or dying peer must not take the endpoint down.
func (e *endpoint) send(conn *channel.StreamConn, frame wire.Frame) {
	data, err := wire.Encode(frame)
	if err != nil {
		e.logger.Error("encoding frame", "frame_type", frame.Type(), "error", err)
		return
	}
	if err := conn.WriteFrame(data); err != nil && !netutil.IsExpectedCloseError(err) {
		e.logger.Debug("write failed", "frame_type", frame.Type(), "error", err)
	}
}
