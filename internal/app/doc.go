// Package app is the composition layer of the evidence service.
//
// # Architecture Role
//
// The app package builds the evidence services from their backends and runs
// their background work. It holds no business logic; the registration,
// verification and admin workflows live in internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/evidence/    # Records, status lifecycle, audit entries, networks
//	├── storage/            # Repository interfaces and UpdateWithRetry
//	│   ├── memory/         # In-memory implementation for tests and local runs
//	│   ├── postgres/       # PostgreSQL implementation (sqlx, lib/pq)
//	│   └── supabase/       # PostgREST implementation with Realtime relay
//	├── services/
//	│   ├── registration/   # Submit, background registration, stale sweeper
//	│   ├── verification/   # Compare stored records with the registry
//	│   └── admin/          # Status counts and host statistics
//	├── httpapi/            # REST and WebSocket endpoints
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Backend selection and HTTP server lifecycle
//	└── system/             # Service interface and lifecycle manager
//
// # Lifecycle
//
// Background services start in this order and stop in reverse:
//
//	audit-writer → gateway → registration-sweeper → registrations → rate-limit-cleanup
//
// Stopping "registrations" waits for in-flight background registrations, so
// their final status writes and audit entries land before the audit writer
// drains and the backends close.
//
// # Dependency Direction
//
//	cmd/evidenced, cmd/seed-networks
//	      │
//	      ▼
//	internal/app/runtime (backends from config)
//	      │
//	      ▼
//	internal/app (composition)
//	      │
//	      ├──► internal/app/httpapi ──► internal/app/services/*
//	      │
//	      ├──► internal/gateway ──► internal/chain, internal/contract, internal/wallet
//	      │
//	      └──► internal/audit, internal/notify, internal/blob, internal/feed
package app
