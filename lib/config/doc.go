// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads configuration for the tabletop binaries.
//
// Configuration comes from at most one file, named by the --config flag
// or the TABLETOP_CONFIG environment variable, layered over [Default].
// YAML files are read with gopkg.in/yaml.v3; files ending in .json or
// .jsonc are accepted too, with comments and trailing commas stripped
// by tidwall/jsonc first. The file may carry development/production
// sections that override base values for the selected environment.
//
// A small set of environment variables is applied last, because the
// discovery endpoint, relay endpoint and protocol version are usually
// injected by the deployment rather than written into a file:
//
//	TABLETOP_ENVIRONMENT     development | production
//	TABLETOP_ICE_URL         ICE server discovery endpoint
//	TABLETOP_RELAY_URL       relay websocket endpoint
//	TABLETOP_CLIENT_VERSION  protocol version announced in join_game
//	TABLETOP_ASSET_DIR       local asset cache directory
//	TABLETOP_LOG_LEVEL       debug | info | warn | error
//
// ${HOME} and ${VAR:-default} patterns in path values are expanded.
package config
