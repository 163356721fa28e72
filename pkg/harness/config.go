// Copyright 2018-2019 The logrange Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"encoding/json"
	"io/ioutil"
	"strings"

	"github.com/jrivets/log4g"
	"github.com/logrange/streamprobe/api"
	"github.com/logrange/streamprobe/pkg/shutdown"
	"github.com/logrange/streamprobe/pkg/stream"
	"github.com/logrange/streamprobe/pkg/transport"
	"github.com/logrange/streamprobe/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config struct aggregates the harness settings
type Config struct {
	// ProjectID is the project which contains the destination dataset. It
	// comes from the PROJECT_ID environment variable.
	ProjectID string `mapstructure:"PROJECT_ID" json:"projectId" yaml:"projectId"`

	// StreamID is the full write stream name, like
	// projects/<p>/datasets/<d>/tables/<t>/streams/_default. It comes from
	// the STREAM_ID environment variable.
	StreamID string `mapstructure:"STREAM_ID" json:"streamId" yaml:"streamId"`

	Transport *transport.Config `json:"transport" yaml:"transport"`
	Stream    *stream.Config    `json:"stream" yaml:"stream"`
	Shutdown  *shutdown.Config  `json:"shutdown" yaml:"shutdown"`
}

var configLog = log4g.GetLogger("harness.config")

// NewDefaultConfig returns the config with the default settings. ProjectID
// and StreamID have no defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Transport: transport.NewDefaultConfig(),
		Stream:    stream.NewDefaultConfig(),
		Shutdown:  shutdown.NewDefaultConfig(),
	}
}

// LoadCfgFromFile loads the config from the file provided. The file is YAML
// if its name ends with yaml or yml, JSON otherwise.
func LoadCfgFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, api.NewConfigError("could not read config file %s: %v", path, err)
	}

	cfg := &Config{}
	lp := strings.ToLower(path)
	if strings.HasSuffix(lp, "yaml") || strings.HasSuffix(lp, "yml") {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, api.NewConfigError("could not parse config file %s: %v", path, err)
	}
	return cfg, nil
}

// Apply overrides c's properties by non-empty values from other
func (c *Config) Apply(other *Config) {
	if other == nil {
		return
	}
	if other.ProjectID != "" {
		c.ProjectID = other.ProjectID
	}
	if other.StreamID != "" {
		c.StreamID = other.StreamID
	}
	c.Transport.Apply(other.Transport)
	c.Stream.Apply(other.Stream)
	c.Shutdown.Apply(other.Shutdown)
}

// ApplyEnv reads PROJECT_ID and STREAM_ID from environ, which is a list of
// key=value pairs as os.Environ() returns. Empty values are ignored.
func (c *Config) ApplyEnv(environ []string) error {
	vars := make(map[string]interface{}, len(environ))
	for _, kv := range environ {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		vars[kv[:idx]] = kv[idx+1:]
	}

	var env Config
	if err := mapstructure.Decode(vars, &env); err != nil {
		return api.NewConfigError("could not read environment: %v", err)
	}
	if env.ProjectID != "" {
		c.ProjectID = env.ProjectID
	}
	if env.StreamID != "" {
		c.StreamID = env.StreamID
	}
	return nil
}

// Check returns KindConfig error if a required setting is missing or the
// settings are invalid
func (c *Config) Check() error {
	if c.ProjectID == "" {
		return api.NewConfigError("environment variable PROJECT_ID is not set")
	}
	if c.StreamID == "" {
		return api.NewConfigError("environment variable STREAM_ID is not set")
	}
	if !strings.HasPrefix(c.StreamID, "projects/") || !strings.Contains(c.StreamID, "/streams/") {
		return api.NewConfigError("STREAM_ID=%s must be the full stream name projects/<project>/datasets/<dataset>/tables/<table>/streams/<stream>", c.StreamID)
	}
	if !strings.HasPrefix(c.StreamID, "projects/"+c.ProjectID+"/") {
		configLog.Warn("The stream ", c.StreamID, " does not belong to the project ", c.ProjectID)
	}

	if c.Transport == nil || c.Stream == nil || c.Shutdown == nil {
		return api.NewConfigError("all the sub-configs must be provided")
	}
	if err := c.Transport.Check(); err != nil {
		return api.NewConfigError("%v", errors.Wrap(err, "transport"))
	}
	if err := c.Stream.Check(); err != nil {
		return api.NewConfigError("%v", errors.Wrap(err, "stream"))
	}
	if err := c.Shutdown.Check(); err != nil {
		return api.NewConfigError("%v", errors.Wrap(err, "shutdown"))
	}
	return nil
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}
