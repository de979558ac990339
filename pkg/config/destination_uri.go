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

package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/apache-go-client/activemq-go/pkg/command"
)

const (
	consumerPrefix    = "consumer."
	consumerNMSPrefix = "consumer.nms."
	sessionPrefix     = "session."
)

// ConsumerNMSOptions are the consumer-local extensions applied from
// consumer.nms. prefixed query parameters: settings that
// configure the consumer object itself rather than its broker-side
// ConsumerInfo.
type ConsumerNMSOptions struct {
	IgnoreExpiration bool
}

// SessionOptions are the session. prefixed query parameters.
type SessionOptions struct {
	DispatchAsync bool
}

// ParsedDestinationURI is the result of parsing a destination URI's query
// string into its three recognized property groups.
type ParsedDestinationURI struct {
	ConsumerInfoProps map[string]string
	ConsumerNMS       ConsumerNMSOptions
	Session           SessionOptions
}

// ParseDestinationURI parses rawURI's query string into its
// consumer./consumer.nms./session. groups. Unknown keys are ignored.
// Parse failure surfaces as the error return, which callers raise as a
// connection exception.
func ParseDestinationURI(rawURI string) (ParsedDestinationURI, error) {
	var parsed ParsedDestinationURI
	parsed.ConsumerInfoProps = make(map[string]string)

	u, err := url.Parse(rawURI)
	if err != nil {
		return parsed, err
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return parsed, err
	}

	for key, vs := range values {
		if len(vs) == 0 {
			continue
		}
		val := vs[0]

		switch {
		case strings.HasPrefix(key, consumerNMSPrefix):
			applyConsumerNMS(&parsed.ConsumerNMS, strings.TrimPrefix(key, consumerNMSPrefix), val)
		case strings.HasPrefix(key, consumerPrefix):
			parsed.ConsumerInfoProps[strings.TrimPrefix(key, consumerPrefix)] = val
		case strings.HasPrefix(key, sessionPrefix):
			applySession(&parsed.Session, strings.TrimPrefix(key, sessionPrefix), val)
		}
	}

	return parsed, nil
}

func applyConsumerNMS(o *ConsumerNMSOptions, key, val string) {
	switch key {
	case "IgnoreExpiration":
		o.IgnoreExpiration = parseBool(val)
	}
}

func applySession(o *SessionOptions, key, val string) {
	switch key {
	case "DispatchAsync":
		o.DispatchAsync = parseBool(val)
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

// ApplyToConsumerInfo copies the parsed consumer. properties onto info
// that it recognizes by name, leaving unrecognized keys ignored.
func (p ParsedDestinationURI) ApplyToConsumerInfo(info *command.ConsumerInfo) {
	for key, val := range p.ConsumerInfoProps {
		switch key {
		case "PrefetchSize":
			if n, err := strconv.Atoi(val); err == nil {
				info.PrefetchSize = n
			}
		case "MaximumPendingCount":
			if n, err := strconv.Atoi(val); err == nil {
				info.MaximumPendingCount = n
			}
		case "NoLocal":
			info.NoLocal = parseBool(val)
		case "DispatchAsync":
			info.DispatchAsync = parseBool(val)
		case "Selector":
			info.Selector = val
		case "SubscriptionName":
			info.SubscriptionName = val
		}
	}
}
