package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveAccounts updates the accounts section of the config file.
// Comments and formatting in other sections are preserved by editing
// the yaml.Node tree instead of re-marshalling the whole config.
func SaveAccounts(configPath string, accounts []AccountConfig) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	accountsNode, err := buildAccountsNode(accounts)
	if err != nil {
		return fmt.Errorf("building accounts node: %w", err)
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "accounts"},
						accountsNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "accounts" {
					root.Content[i+1] = accountsNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "accounts"},
					accountsNode,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename).
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".easync.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func buildAccountsNode(accounts []AccountConfig) (*yaml.Node, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	for _, a := range accounts {
		node := &yaml.Node{Kind: yaml.MappingNode}
		appendScalar := func(key, value string) {
			if value == "" {
				return
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				&yaml.Node{Kind: yaml.ScalarNode, Value: value},
			)
		}
		appendScalar("name", a.Name)
		appendScalar("email_address", a.EmailAddress)
		appendScalar("host", a.Host)
		appendScalar("username", a.Username)
		appendScalar("password", a.Password)
		if a.UseTLS != nil && !*a.UseTLS {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "use_tls"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: "false"},
			)
		}
		if a.TrustAllCerts {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "trust_all_certs"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: "true"},
			)
		}
		appendScalar("sync_lookback", a.SyncLookback)
		seq.Content = append(seq.Content, node)
	}
	return seq, nil
}
