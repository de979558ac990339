// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package consumer

import (
	"math/rand"
	"time"
)

// RedeliveryPolicy decides how long to defer a Start() after a rollback
// and how many redeliveries are tolerated before a message
// is poisoned.
type RedeliveryPolicy interface {
	RedeliveryDelay(currentRedeliveryCount int) time.Duration
	MaximumRedeliveries() int
}

// ExponentialBackoffPolicy is the conventional ActiveMQ client default:
// delay grows by BackOffMultiplier per redelivery, capped at
// MaximumRedeliveryDelay, with an optional random jitter applied via
// CollisionAvoidancePercent to avoid redelivery storms across
// consumers on the same queue.
type ExponentialBackoffPolicy struct {
	InitialRedeliveryDelay    time.Duration
	MaximumRedeliveryDelay    time.Duration
	BackOffMultiplier         float64
	UseExponentialBackOff     bool
	CollisionAvoidancePercent float64
	MaxRedeliveries           int
}

// NewExponentialBackoffPolicy returns the conventional defaults: 1s
// initial delay, 5x multiplier, exponential backoff enabled, capped at
// 1 minute, 6 maximum redeliveries.
func NewExponentialBackoffPolicy() *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialRedeliveryDelay: time.Second,
		MaximumRedeliveryDelay: time.Minute,
		BackOffMultiplier:      5,
		UseExponentialBackOff:  true,
		MaxRedeliveries:        6,
	}
}

func (p *ExponentialBackoffPolicy) RedeliveryDelay(currentRedeliveryCount int) time.Duration {
	delay := p.InitialRedeliveryDelay
	if p.UseExponentialBackOff && currentRedeliveryCount > 0 {
		mult := p.BackOffMultiplier
		if mult <= 0 {
			mult = 1
		}
		d := float64(p.InitialRedeliveryDelay)
		for i := 0; i < currentRedeliveryCount; i++ {
			d *= mult
			if time.Duration(d) > p.MaximumRedeliveryDelay && p.MaximumRedeliveryDelay > 0 {
				d = float64(p.MaximumRedeliveryDelay)
				break
			}
		}
		delay = time.Duration(d)
	}
	if p.MaximumRedeliveryDelay > 0 && delay > p.MaximumRedeliveryDelay {
		delay = p.MaximumRedeliveryDelay
	}
	if p.CollisionAvoidancePercent > 0 {
		jitter := float64(delay) * p.CollisionAvoidancePercent * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func (p *ExponentialBackoffPolicy) MaximumRedeliveries() int {
	return p.MaxRedeliveries
}

// FixedDelayPolicy redelivers after the same delay every time, with a
// fixed maximum redelivery count.
type FixedDelayPolicy struct {
	Delay      time.Duration
	MaxRetries int
}

func (p FixedDelayPolicy) RedeliveryDelay(int) time.Duration {
	return p.Delay
}

func (p FixedDelayPolicy) MaximumRedeliveries() int {
	return p.MaxRetries
}
