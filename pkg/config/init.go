package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const configHeader = `# filecollection Configuration File
#
# Every value can be overridden with an environment variable named after its
# path, e.g. FILECOLLECTION_LOGGING_LEVEL=DEBUG or FILECOLLECTION_SERVER_HTTP_PORT=9000.
`

// InitConfig writes the default configuration to the default location.
//
// Returns the path written. Fails if the file exists unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating
// parent directories. Fails if the file exists unless force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment on every
// section. Durations are written in their string form (30s, 24h0m0s).
func generateYAMLWithComments(cfg *Config) (string, error) {
	doc := mapping(
		field("logging", "Logging: level (DEBUG, INFO, WARN, ERROR), format (text, json), output (stdout, stderr, path)", mapping(
			field("level", "", str(cfg.Logging.Level)),
			field("format", "", str(cfg.Logging.Format)),
			field("output", "", str(cfg.Logging.Output)),
		)),
		field("server", "Server-wide settings", mapping(
			field("shutdown_timeout", "Maximum wait for in-flight requests on shutdown", duration(cfg.Server.ShutdownTimeout)),
			field("http", "HTTP listener for all collections; requests_per_second 0 disables rate limiting", mapping(
				field("port", "", integer(cfg.Server.HTTP.Port)),
				field("requests_per_second", "", integer(cfg.Server.HTTP.RequestsPerSecond)),
				field("burst", "", integer(cfg.Server.HTTP.Burst)),
				field("read_header_timeout", "", duration(cfg.Server.HTTP.ReadHeaderTimeout)),
				field("idle_timeout", "", duration(cfg.Server.HTTP.IdleTimeout)),
			)),
			field("metrics", "Prometheus endpoint at :port/metrics", mapping(
				field("enabled", "", boolean(cfg.Server.Metrics.Enabled)),
				field("port", "", integer(cfg.Server.Metrics.Port)),
			)),
		)),
		field("stores", "Named stores. Types: documents memory|badger, chunks memory|badger|s3, locks memory|badger|redis.\n"+
			"Badger stores naming the same db_path share one database. Use redis locks when several\n"+
			"processes serve the same collections.", storesNode(cfg.Stores)),
		field("collections", "File collections. Each is served at base_path (default /store/<name>).\n"+
			"Rules: operation insert|update|remove, effect allow|deny, when: always, never, authenticated,\n"+
			"owner:<metadata key>, role:<name>, length_exceeds:<bytes>. Deny rules win; no match rejects.", collectionsNode(cfg.Collections)),
	)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return configHeader + "\n" + string(out), nil
}

func storesNode(cfg StoresConfig) *yaml.Node {
	documents := mapping()
	for _, name := range sortedKeys(cfg.Documents) {
		s := cfg.Documents[name]
		documents.Content = append(documents.Content, key(name, ""), typed(s.Type, "badger", s.Badger))
	}

	chunks := mapping()
	for _, name := range sortedKeys(cfg.Chunks) {
		s := cfg.Chunks[name]
		section, values := "badger", s.Badger
		if s.Type == "s3" {
			section, values = "s3", s.S3
		}
		chunks.Content = append(chunks.Content, key(name, ""), typed(s.Type, section, values))
	}

	locks := mapping()
	for _, name := range sortedKeys(cfg.Locks) {
		s := cfg.Locks[name]
		section, values := "badger", s.Badger
		if s.Type == "redis" {
			section, values = "redis", s.Redis
		}
		locks.Content = append(locks.Content, key(name, ""), typed(s.Type, section, values))
	}

	return mapping(
		field("documents", "", documents),
		field("chunks", "", chunks),
		field("locks", "", locks),
	)
}

// typed renders {type: t, <section>: values}, omitting an empty section.
func typed(t, section string, values map[string]any) *yaml.Node {
	node := mapping(field("type", "", str(t)))
	if len(values) == 0 {
		return node
	}

	inner := mapping()
	for _, k := range sortedKeys(values) {
		var value yaml.Node
		if err := value.Encode(values[k]); err != nil {
			value = *str(fmt.Sprint(values[k]))
		}
		inner.Content = append(inner.Content, key(k, ""), &value)
	}
	node.Content = append(node.Content, key(section, ""), inner)
	return node
}

func collectionsNode(collections []CollectionConfig) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, c := range collections {
		rules := &yaml.Node{Kind: yaml.SequenceNode}
		for _, r := range c.Rules {
			when := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
			for _, w := range r.When {
				when.Content = append(when.Content, str(w))
			}
			rules.Content = append(rules.Content, mapping(
				field("operation", "", str(r.Operation)),
				field("effect", "", str(r.Effect)),
				field("when", "", when),
			))
		}

		seq.Content = append(seq.Content, mapping(
			field("name", "", str(c.Name)),
			field("document_store", "", str(c.DocumentStore)),
			field("chunk_store", "", str(c.ChunkStore)),
			field("lock_store", "", str(c.LockStore)),
			field("chunk_size", "Bytes per chunk for new files", integer(c.ChunkSize)),
			field("resumable", "Enable resumable.js endpoints under <base_path>/_resumable", boolean(c.Resumable)),
			field("lock", "Lease lifetime (renewed while held) and maximum wait", mapping(
				field("ttl", "", duration(c.Lock.TTL)),
				field("timeout", "", duration(c.Lock.Timeout)),
			)),
			field("upload", "Resumable upload sessions idle longer than session_timeout are dropped", mapping(
				field("session_timeout", "", duration(c.Upload.SessionTimeout)),
				field("sweep_interval", "", duration(c.Upload.SweepInterval)),
				field("max_chunks", "", integer(int(c.Upload.MaxChunks))),
			)),
			field("gc", "Orphan chunk collection", mapping(
				field("enabled", "", boolean(c.GC.Enabled)),
				field("interval", "", duration(c.GC.Interval)),
				field("batch_size", "", integer(c.GC.BatchSize)),
				field("dry_run", "", boolean(c.GC.DryRun)),
			)),
			field("rules", "", rules),
		))
	}
	return seq
}

// ============================================================================
// Node helpers
// ============================================================================

type pair struct {
	key   *yaml.Node
	value *yaml.Node
}

func field(name, comment string, value *yaml.Node) pair {
	return pair{key: key(name, comment), value: value}
}

func key(name, comment string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name, HeadComment: comment}
}

func mapping(pairs ...pair) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range pairs {
		node.Content = append(node.Content, p.key, p.value)
	}
	return node
}

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func integer[T int | int64 | uint](n T) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(n)}
}

func boolean(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

func duration(d time.Duration) *yaml.Node {
	return str(d.String())
}
