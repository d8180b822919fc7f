package session

import "sigs.k8s.io/yaml"

// SessionSettings is the locally configured, advertised-to-the-peer
// parameter bag, tagged for sigs.k8s.io/yaml the way the rest of the
// pack's services externalize tunables.
type SessionSettings struct {
	QPACKMaxTableCapacity  uint64 `json:"qpackMaxTableCapacity"`
	QPACKMaxBlockedStreams uint64 `json:"qpackMaxBlockedStreams"`
	MaxConcurrentStreams   uint64 `json:"maxConcurrentStreams"`
	MaxReadsPerLoop        int    `json:"maxReadsPerLoop"`
}

// DefaultSessionSettings mirrors the conservative defaults proxygen's
// HQSession ships with.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		QPACKMaxTableCapacity:  4096,
		QPACKMaxBlockedStreams: 16,
		MaxConcurrentStreams:   100,
		MaxReadsPerLoop:        32,
	}
}

// LoadSessionSettingsYAML parses a YAML document into SessionSettings,
// for the out-of-scope bootstrap that constructs a Session around an
// already-handshaken socket (spec.md §1) and wants its dialect tunables
// alongside the rest of its service config.
func LoadSessionSettingsYAML(doc []byte) (SessionSettings, error) {
	set := DefaultSessionSettings()
	if err := yaml.Unmarshal(doc, &set); err != nil {
		return SessionSettings{}, err
	}
	return set, nil
}
