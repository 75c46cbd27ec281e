// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for vmcd binaries:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized.
//   - Construction of the structured logger from the configured level
//     and format.
package process
