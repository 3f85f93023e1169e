// Package config loads the Server Descriptor configuration: which language
// servers are available, which file extensions route to each, and how they
// should be started. Loading goes through koanf rather than a bare
// json.Unmarshal so the same schema can later be overridden piecemeal by
// environment variables without touching the file format.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/router"
)

// EnvPrefix is the prefix reserved for environment-variable overrides of the
// descriptor file, e.g. CODEBRIDGE_WORKSPACEDIR. Load does not read the
// environment: only the descriptor file is loaded.
const EnvPrefix = "CODEBRIDGE_"

// minRestartInterval is the smallest restart interval the supervisor will
// honor; a descriptor asking for a positive interval below it is clamped up
// to it so a tiny "restartInterval" can't turn into a busy-loop of recycles.
// A restartInterval of 0 (or an omitted one) is not clamped: it means never
// recycle.
const minRestartInterval = 6 * time.Second // 0.1 minute

// serverSpec is the on-disk shape of one entry in "servers", matching the
// Server Descriptor schema field-for-field.
type serverSpec struct {
	Extensions            []string       `koanf:"extensions"`
	Command               []string       `koanf:"command"`
	RootDir               string         `koanf:"rootDir"`
	RestartInterval       float64        `koanf:"restartInterval"`
	InitializationOptions map[string]any `koanf:"initializationOptions"`
}

// fileSpec is the on-disk shape of the whole descriptor file.
type fileSpec struct {
	WorkspaceDir string       `koanf:"workspaceDir"`
	Servers      []serverSpec `koanf:"servers"`
}

// Config is the loaded, validated configuration ready to drive the router
// and supervisor. Each descriptor carries its own RestartInterval, so a
// server that omits it runs indefinitely while another can still recycle
// on a schedule.
type Config struct {
	WorkspaceDir string
	Descriptors  []router.Descriptor
}

// Load reads the descriptor file at path (JSON, per the Server Descriptor
// schema) and returns a validated Config. koanf's file provider does the
// reading; the structs provider seeds defaults so a descriptor that omits
// optional fields still gets sane zero values before the file is merged in.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := fileSpec{}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindIO, "config", "load defaults", err)
	}

	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindIO, "config", "read "+path, err)
	}

	var spec fileSpec
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "config", "unmarshal "+path, err)
	}

	return fromSpec(spec)
}

func fromSpec(spec fileSpec) (*Config, error) {
	if spec.WorkspaceDir == "" {
		return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "config", "workspaceDir is required", nil)
	}
	if len(spec.Servers) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "config", "at least one server must be configured", nil)
	}

	cfg := &Config{
		WorkspaceDir: spec.WorkspaceDir,
	}

	seen := make(map[string]int)
	for i, s := range spec.Servers {
		if len(s.Command) == 0 {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "config",
				fmt.Sprintf("servers[%d]: command must not be empty", i), nil)
		}
		if len(s.Extensions) == 0 {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "config",
				fmt.Sprintf("servers[%d]: extensions must not be empty", i), nil)
		}

		name := strings.Join(s.Command, " ")
		if idx, dup := seen[name]; dup {
			// Identical command lists are the same server instance even
			// when declared as separate entries: fold this entry's
			// extensions into the existing descriptor.
			d := &cfg.Descriptors[idx]
			for _, ext := range s.Extensions {
				if !containsFold(d.Extensions, ext) {
					d.Extensions = append(d.Extensions, ext)
				}
			}
			continue
		}
		seen[name] = len(cfg.Descriptors)

		rootDir := s.RootDir
		if rootDir == "" {
			rootDir = spec.WorkspaceDir
		}

		// A server that omits restartInterval (0) never recycles; only a
		// positive value is clamped up to minRestartInterval.
		var interval time.Duration
		if s.RestartInterval > 0 {
			interval = time.Duration(s.RestartInterval * float64(time.Minute))
			if interval < minRestartInterval {
				interval = minRestartInterval
			}
		}

		cfg.Descriptors = append(cfg.Descriptors, router.Descriptor{
			Name:            name,
			Command:         s.Command[0],
			Args:            s.Command[1:],
			Extensions:      s.Extensions,
			WorkspaceDir:    rootDir,
			InitOptions:     s.InitializationOptions,
			RestartInterval: interval,
		})
	}

	return cfg, nil
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
