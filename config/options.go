/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2019-2024 Google LLC. All Rights Reserved.
 */

// Package config carries the configurable parameters of §6 and a YAML
// (de)serialization for them.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy selects the connection topology, per §6.
type Strategy string

const (
	StrategyPointToPoint Strategy = "point-to-point"
	StrategyStar         Strategy = "star"
	StrategyCluster      Strategy = "cluster"
)

// Medium names one of the transports a ClientOptions may allow.
type Medium string

const (
	MediumBT           Medium = "BT"
	MediumBLE          Medium = "BLE"
	MediumWifiLAN      Medium = "WIFI_LAN"
	MediumWifiDirect   Medium = "WIFI_DIRECT"
	MediumWifiHotspot  Medium = "WIFI_HOTSPOT"
	MediumWebRTC       Medium = "WEB_RTC"
)

// Default keep-alive parameters, used when a peer's CONNECTION_REQUEST
// carries missing or invalid values (§5 "Keep-alive derives its timeout
// from the CONNECTION_REQUEST; if absent or invalid, feature-flag
// defaults are used").
const (
	DefaultKeepAliveIntervalMillis = 5000
	DefaultKeepAliveTimeoutMillis  = 30000

	// RejectedConnectionCloseDelay is §4.G/§5's fixed 2s delay before
	// tearing down a rejected connection.
	RejectedConnectionCloseDelay = 2000
	// DataTransferDelay is §4.C's kDataTransferDelay: how long
	// Unregister waits after best-effort writing DISCONNECTION before
	// dropping the channel.
	DataTransferDelay = 500
	// ConnectionRequestReadTimeoutMillis is §4.G step 2's 2s bound on reading
	// the first CONNECTION_REQUEST off an incoming raw connection.
	ConnectionRequestReadTimeoutMillis = 2000
)

// ClientOptions is every field named in §6 "Configurable parameters".
type ClientOptions struct {
	Strategy                   Strategy `yaml:"strategy"`
	AllowedMediums             []Medium `yaml:"allowed_mediums"`
	LowPower                   bool     `yaml:"low_power"`
	EnforceTopologyConstraints bool     `yaml:"enforce_topology_constraints"`
	AutoUpgradeBandwidth       bool     `yaml:"auto_upgrade_bandwidth"`

	KeepAliveIntervalMillis int `yaml:"keep_alive_interval_ms"`
	KeepAliveTimeoutMillis  int `yaml:"keep_alive_timeout_ms"`

	RemoteBluetoothMacAddress string `yaml:"remote_bluetooth_mac_address,omitempty"`

	EnableWebrtcListening    bool `yaml:"enable_webrtc_listening"`
	EnableBluetoothListening bool `yaml:"enable_bluetooth_listening"`
}

// Default returns the zero-value-safe baseline: point-to-point, every
// medium allowed, auto-upgrade on, default keep-alive timing.
func Default() ClientOptions {
	return ClientOptions{
		Strategy: StrategyPointToPoint,
		AllowedMediums: []Medium{
			MediumBT, MediumBLE, MediumWifiLAN, MediumWifiDirect, MediumWifiHotspot, MediumWebRTC,
		},
		AutoUpgradeBandwidth:   true,
		KeepAliveIntervalMillis: DefaultKeepAliveIntervalMillis,
		KeepAliveTimeoutMillis:  DefaultKeepAliveTimeoutMillis,
	}
}

// Sanitized returns a copy with invalid keep-alive values replaced by
// defaults, per §4.G step 6 ("Sanitize keep-alive values (both > 0,
// interval < timeout) — otherwise substitute defaults").
func (c ClientOptions) Sanitized() ClientOptions {
	out := c
	if out.KeepAliveIntervalMillis <= 0 || out.KeepAliveTimeoutMillis <= 0 ||
		out.KeepAliveIntervalMillis >= out.KeepAliveTimeoutMillis {
		out.KeepAliveIntervalMillis = DefaultKeepAliveIntervalMillis
		out.KeepAliveTimeoutMillis = DefaultKeepAliveTimeoutMillis
	}
	return out
}

// AllowsMedium reports whether m is present in AllowedMediums.
func (c ClientOptions) AllowsMedium(m Medium) bool {
	for _, allowed := range c.AllowedMediums {
		if allowed == m {
			return true
		}
	}
	return false
}

// Copy makes a deep copy of ClientOptions: the result aliases no
// memory with the original.
func (c ClientOptions) Copy() ClientOptions {
	res := c
	if res.AllowedMediums != nil {
		res.AllowedMediums = append([]Medium{}, res.AllowedMediums...)
	}
	return res
}

// Load reads a ClientOptions from a YAML file.
func Load(path string) (ClientOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientOptions{}, err
	}
	var opts ClientOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return ClientOptions{}, err
	}
	return opts, nil
}

// Save writes opts to path as YAML.
func Save(path string, opts ClientOptions) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
