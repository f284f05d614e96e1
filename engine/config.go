// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"time"

	"github.com/absmach/correlator/routing"
)

// Defaults.
const (
	DefaultMaxRecordBatchSize        = 4 * 1024 * 1024
	DefaultSubscriptionCheckInterval = 30 * time.Second
	DefaultSubscriptionTimeout       = 10 * time.Second
	DefaultTTLCheckInterval          = time.Minute
	DefaultTTLBatchLimit             = 1000
	DefaultDeploymentPartitionID     = 1
)

// Config holds the settings of one partition.
type Config struct {
	PartitionID           int32
	Routing               routing.State
	DeploymentPartitionID int32

	// MaxRecordBatchSize bounds the encoded size of all follow-up records
	// written for one command.
	MaxRecordBatchSize int

	// Pending subscriptions older than SubscriptionTimeout are resent every
	// SubscriptionCheckInterval.
	SubscriptionCheckInterval time.Duration
	SubscriptionTimeout       time.Duration

	// TTLCheckInterval is the period of the expired message scan. Up to
	// TTLBatchLimit keys are grouped into one batch command; a limit of 1
	// or disabled BatchExpiry submits one expire command per message.
	TTLCheckInterval time.Duration
	TTLBatchLimit    int
	BatchExpiry      bool

	// AppendMessageBodyOnExpired keeps the message content on EXPIRED
	// events.
	AppendMessageBodyOnExpired bool
}

// DefaultConfig returns the default settings for partitionID.
func DefaultConfig(partitionID int32, r routing.State) Config {
	return Config{
		PartitionID:               partitionID,
		Routing:                   r,
		DeploymentPartitionID:     DefaultDeploymentPartitionID,
		MaxRecordBatchSize:        DefaultMaxRecordBatchSize,
		SubscriptionCheckInterval: DefaultSubscriptionCheckInterval,
		SubscriptionTimeout:       DefaultSubscriptionTimeout,
		TTLCheckInterval:          DefaultTTLCheckInterval,
		TTLBatchLimit:             DefaultTTLBatchLimit,
		BatchExpiry:               true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PartitionID < 1 {
		return fmt.Errorf("partition id must be positive")
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if c.MaxRecordBatchSize <= 0 {
		return fmt.Errorf("max record batch size must be positive")
	}
	if c.SubscriptionCheckInterval <= 0 || c.SubscriptionTimeout <= 0 {
		return fmt.Errorf("subscription check interval and timeout must be positive")
	}
	if c.TTLCheckInterval <= 0 {
		return fmt.Errorf("ttl check interval must be positive")
	}
	if c.TTLBatchLimit < 1 {
		return fmt.Errorf("ttl batch limit must be at least 1")
	}
	return nil
}
