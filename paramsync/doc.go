// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package paramsync merges concurrent edits to a document's parameter
// fields using per-edit logical versions.
//
// Every field carries the Version of the edit that produced it and the
// BaseVersion that edit was built on. An inbound edit whose base
// matches the stored version extends the causal chain and applies
// directly. An edit the store has already moved past is stale and
// dropped. Anything else is a genuine concurrent edit: the engine
// keeps the local value on screen and surfaces a ConflictRecord
// exposing both candidates — it never silently discards one side,
// because there is no reliable wall-clock order between offline
// editors. Automatic highest-version-wins resolution exists only as an
// explicit opt-in policy.
//
// The engine is not safe for concurrent use. It is owned by the
// session coordinator's event loop, which serializes every call — the
// same single-writer discipline the rest of the session state uses.
package paramsync
