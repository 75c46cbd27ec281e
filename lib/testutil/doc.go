// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared by vmcd tests: bounded
// channel receives that fail the test instead of hanging, and short
// socket directories for unix domain socket tests.
package testutil
