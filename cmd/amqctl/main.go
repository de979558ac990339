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

// amqctl is an operator-facing command line tool: it loads a
// ClientConfig and validates destination URIs the way a deployment
// would before wiring them into the session/consumer/producer runtime.
// It logs through logrus rather than the library's internal zerolog
// logger.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apache-go-client/activemq-go/pkg/config"
)

var log = logrus.New()

func main() {
	var (
		configPath = flag.String("config", "", "path to a ClientConfig .yaml or .toml file")
		destURI    = flag.String("validate-uri", "", "destination URI to parse and report (consumer./consumer.nms./session. query params)")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *configPath == "" && *destURI == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *configPath != "" {
		if err := runConfig(*configPath); err != nil {
			log.WithError(err).Fatal("amqctl: config check failed")
		}
	}

	if *destURI != "" {
		if err := runValidateURI(*destURI); err != nil {
			log.WithError(err).Fatal("amqctl: destination uri check failed")
		}
	}
}

func runConfig(path string) error {
	loader := config.LoadYAML
	if strings.HasSuffix(path, ".toml") {
		loader = config.LoadTOML
	}

	cfg, err := loader(path)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"brokerUri":            cfg.BrokerURI,
		"clientId":             cfg.ClientId,
		"defaultPrefetchQueue": cfg.DefaultPrefetchQueue,
		"defaultPrefetchTopic": cfg.DefaultPrefetchTopic,
		"closeStopTimeout":     cfg.CloseStopTimeout,
		"disposeStopTimeout":   cfg.DisposeStopTimeout,
	}).Info("amqctl: loaded client config")
	return nil
}

func runValidateURI(uri string) error {
	parsed, err := config.ParseDestinationURI(uri)
	if err != nil {
		return err
	}

	fmt.Printf("consumer. properties: %v\n", parsed.ConsumerInfoProps)
	fmt.Printf("consumer.nms. options: %+v\n", parsed.ConsumerNMS)
	fmt.Printf("session. options: %+v\n", parsed.Session)
	return nil
}
