// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	cerrors "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/mpik8s/rdzv/pkg/p2p"
	"github.com/mpik8s/rdzv/pkg/version"
)

// MessagesConfig configs MessageServer and MessageRouter.
type MessagesConfig struct {
	ClientSendChannelSize int          `toml:"client-send-channel-size" json:"client-send-channel-size"`
	ClientDialTimeout     TomlDuration `toml:"client-dial-timeout" json:"client-dial-timeout"`
	ClientConnectTimeout  TomlDuration `toml:"client-connect-timeout" json:"client-connect-timeout"`
	ClientRetryBaseDelay  TomlDuration `toml:"client-retry-base-delay" json:"client-retry-base-delay"`
	ClientRetryMaxDelay   TomlDuration `toml:"client-retry-max-delay" json:"client-retry-max-delay"`

	ServerMaxPendingMessageCount int `toml:"server-max-pending-message-count" json:"server-max-pending-message-count"`
	MaxMessageSize               int `toml:"max-message-size" json:"max-message-size"`
}

// read only
var defaultMessageConfig = &MessagesConfig{
	ClientSendChannelSize:        128,
	ClientDialTimeout:            TomlDuration(time.Second * 3),
	ClientConnectTimeout:         TomlDuration(time.Minute * 2),
	ClientRetryBaseDelay:         TomlDuration(time.Millisecond * 100),
	ClientRetryMaxDelay:          TomlDuration(time.Second * 5),
	ServerMaxPendingMessageCount: 10240,
	MaxMessageSize:               256 * 1024 * 1024, // 256MB
}

// ValidateAndAdjust validates and fills in the defaults.
func (c *MessagesConfig) ValidateAndAdjust() error {
	if c.ClientSendChannelSize <= 0 {
		c.ClientSendChannelSize = defaultMessageConfig.ClientSendChannelSize
	}
	if c.ClientDialTimeout <= 0 {
		c.ClientDialTimeout = defaultMessageConfig.ClientDialTimeout
	}
	if c.ClientConnectTimeout <= 0 {
		c.ClientConnectTimeout = defaultMessageConfig.ClientConnectTimeout
	}
	if c.ClientConnectTimeout < c.ClientDialTimeout {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			"client-connect-timeout is smaller than client-dial-timeout")
	}
	if c.ClientRetryBaseDelay <= 0 {
		c.ClientRetryBaseDelay = defaultMessageConfig.ClientRetryBaseDelay
	}
	if c.ClientRetryMaxDelay <= 0 {
		c.ClientRetryMaxDelay = defaultMessageConfig.ClientRetryMaxDelay
	}
	if c.ClientRetryMaxDelay < c.ClientRetryBaseDelay {
		return cerrors.ErrInvalidServerOption.GenWithStackByArgs(
			"client-retry-max-delay is smaller than client-retry-base-delay")
	}

	if c.ServerMaxPendingMessageCount <= 0 {
		c.ServerMaxPendingMessageCount = defaultMessageConfig.ServerMaxPendingMessageCount
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMessageConfig.MaxMessageSize
	}
	return nil
}

// Clone returns a deep copy.
func (c *MessagesConfig) Clone() *MessagesConfig {
	clone := *c
	return &clone
}

// ToMessageClientConfig converts the config for the MessageRouter.
func (c *MessagesConfig) ToMessageClientConfig() *p2p.MessageClientConfig {
	return &p2p.MessageClientConfig{
		SendChannelSize: c.ClientSendChannelSize,
		DialTimeout:     time.Duration(c.ClientDialTimeout),
		ConnectTimeout:  time.Duration(c.ClientConnectTimeout),
		RetryBaseDelay:  time.Duration(c.ClientRetryBaseDelay),
		RetryMaxDelay:   time.Duration(c.ClientRetryMaxDelay),
		MaxSendMsgSize:  c.MaxMessageSize,
		ClientVersion:   version.ReleaseVersion,
	}
}

// ToMessageServerConfig converts the config for the MessageServer.
func (c *MessagesConfig) ToMessageServerConfig() *p2p.MessageServerConfig {
	return &p2p.MessageServerConfig{
		MaxPendingTaskCount: c.ServerMaxPendingMessageCount,
		MaxRecvMsgSize:      c.MaxMessageSize,
		ServerVersion:       version.ReleaseVersion,
	}
}
