// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for vmcd.
//
// Configuration is loaded from a single file specified by either the
// VMCD_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The file names the channel server socket, the optional metrics
// listener and every device vmcd serves. Environment-specific sections
// (development, staging, production) override the server and log
// settings when [Config].Environment matches; production defaults to
// JSON logs.
//
// Socket and device paths support ${HOME}, ${XDG_RUNTIME_DIR} and
// ${VAR:-default} expansion.
//
// This package depends on no other vmcd packages.
package config
