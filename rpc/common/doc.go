// Package common provides core data structures and utilities shared across
// the distributed key-value store system. It defines fundamental types,
// configuration structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for inter-component communication
//   - Configuration structures for client and server components
//   - Custom logging implementation built on dragonboat's logger facade
//   - Utilities for converting ServerConfig into the raft core's own Options
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication between components,
//     with a flexible structure that adapts to different operation types.
//     Includes factory methods for creating various request and response messages.
//
//   - MessageType: Enumeration defining all supported operation types in the
//     system, categorized into key-value operations, lock operations, and
//     control messages.
//
//   - ServerConfig: Comprehensive configuration for server nodes, including
//     RAFT parameters, storage settings, network configuration, and operation modes.
//     Provides utilities for converting to the raft core's node.Options.
//
//   - ClientConfig: Configuration for client components, controlling connection
//     parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation that integrates with dragonboat's
//     logger facade (used purely as a logging interface here) while providing
//     consistent formatting across the application.
package common
