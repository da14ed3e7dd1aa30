// Package manifest loads the YAML pod manifests accepted by the client
// CLI as an alternative to flags.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/types"
)

// KindPod is the only manifest kind the CLI accepts.
const KindPod = "Pod"

// APIVersion tags the manifest schema.
const APIVersion = "hutch/v1"

// Pod is a declarative spawn request.
//
//	apiVersion: hutch/v1
//	kind: Pod
//	metadata:
//	  name: dev-box
//	spec:
//	  provider: npub1...
//	  image: ubuntu:22.04
//	  tier: basic
//	  tokenFile: ./payment.token
type Pod struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata carries local labels only; nothing in it travels to the
// provider.
type Metadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Spec is the spawn payload. Token and TokenFile are alternatives;
// exactly one may be set, or neither when the token comes from a flag.
type Spec struct {
	Provider  string `yaml:"provider,omitempty"`
	Image     string `yaml:"image"`
	Tier      string `yaml:"tier,omitempty"`
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"tokenFile,omitempty"`
	Username  string `yaml:"username,omitempty"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Pod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse validates a manifest document.
func Parse(data []byte) (*Pod, error) {
	var pod Pod
	if err := yaml.Unmarshal(data, &pod); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := pod.Validate(); err != nil {
		return nil, err
	}
	return &pod, nil
}

// Validate checks the fields the CLI cannot default.
func (p *Pod) Validate() error {
	if p.Kind != KindPod {
		return fmt.Errorf("unsupported manifest kind: %q", p.Kind)
	}
	if p.APIVersion != "" && p.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion: %q", p.APIVersion)
	}
	if p.Spec.Image == "" {
		return fmt.Errorf("manifest spec.image is required")
	}
	if p.Spec.Token != "" && p.Spec.TokenFile != "" {
		return fmt.Errorf("manifest sets both spec.token and spec.tokenFile")
	}
	return nil
}

// ResolveToken returns the inline token or reads the token file.
// Relative paths resolve against baseDir, normally the manifest's own
// directory. An empty result means the caller must supply the token.
func (p *Pod) ResolveToken(baseDir string) (string, error) {
	if p.Spec.Token != "" {
		return p.Spec.Token, nil
	}
	if p.Spec.TokenFile == "" {
		return "", nil
	}
	path := p.Spec.TokenFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SpawnRequest projects the manifest onto the wire request using the
// resolved token.
func (p *Pod) SpawnRequest(token string) *types.SpawnRequest {
	return &types.SpawnRequest{
		CashuToken:  token,
		PodSpecID:   p.Spec.Tier,
		PodImage:    p.Spec.Image,
		SSHUsername: p.Spec.Username,
	}
}
