package script

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/andrej220/biusrv/internal/transfer"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File layout shared by TOML and YAML:
//
//	[info]
//	name = "web"
//	desc = "web tier"
//
//	[script.install]
//	desc = "install packages"
//	sudo = true
//	commands = ["apt-get update"]
//
//	[[script.install.steps]]
//	type = "upload"
//	local = "./nginx.conf"
//	remote = "/etc/nginx/nginx.conf"
//	force = true
//
// Plain commands run before any explicit steps of the same action.
type rawFile struct {
	Info   rawInfo              `toml:"info" yaml:"info" validate:"required"`
	Script map[string]rawAction `toml:"script" yaml:"script" validate:"required,min=1,dive"`
}

type rawInfo struct {
	Name string `toml:"name" yaml:"name" validate:"required"`
	Desc string `toml:"desc" yaml:"desc"`
}

type rawAction struct {
	Desc     string    `toml:"desc" yaml:"desc"`
	Sudo     bool      `toml:"sudo" yaml:"sudo"`
	Commands []string  `toml:"commands" yaml:"commands"`
	Steps    []rawStep `toml:"steps" yaml:"steps" validate:"dive"`
}

type rawStep struct {
	Type     string   `toml:"type" yaml:"type" validate:"required,oneof=command upload download"`
	Sudo     bool     `toml:"sudo" yaml:"sudo"`
	Commands []string `toml:"commands" yaml:"commands" validate:"required_if=Type command"`
	Local    string   `toml:"local" yaml:"local" validate:"required_unless=Type command"`
	Remote   string   `toml:"remote" yaml:"remote" validate:"required_unless=Type command"`
	Force    bool     `toml:"force" yaml:"force"`
	Resume   bool     `toml:"resume" yaml:"resume"`
	MaxRetry int      `toml:"max_retry" yaml:"max_retry" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a script definition, choosing the format by extension.
func Load(path string) (*Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseTOML(data)
	}
}

func ParseTOML(data []byte) (*Def, error) {
	var raw rawFile
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	var order []string
	seen := map[string]bool{}
	for _, key := range md.Keys() {
		if len(key) >= 2 && key[0] == "script" && !seen[key[1]] {
			seen[key[1]] = true
			order = append(order, key[1])
		}
	}
	return build(&raw, order)
}

func ParseYAML(data []byte) (*Def, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return build(&raw, yamlScriptOrder(&doc))
}

// yamlScriptOrder returns the keys of the top-level "script" mapping as written.
func yamlScriptOrder(doc *yaml.Node) []string {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "script" {
			continue
		}
		m := root.Content[i+1]
		order := make([]string, 0, len(m.Content)/2)
		for j := 0; j+1 < len(m.Content); j += 2 {
			order = append(order, m.Content[j].Value)
		}
		return order
	}
	return nil
}

func build(raw *rawFile, order []string) (*Def, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	def := &Def{Name: raw.Info.Name, Description: raw.Info.Desc}
	for _, name := range order {
		ra, ok := raw.Script[name]
		if !ok {
			continue
		}
		action := Action{Name: name, Description: ra.Desc}
		if len(ra.Commands) > 0 {
			action.Steps = append(action.Steps, CommandStep{Commands: ra.Commands, Sudo: ra.Sudo})
		}
		for _, rs := range ra.Steps {
			action.Steps = append(action.Steps, rs.step())
		}
		if len(action.Steps) == 0 {
			return nil, fmt.Errorf("invalid script: action %q has no commands or steps", name)
		}
		def.Actions = append(def.Actions, action)
	}
	return def, nil
}

func (rs rawStep) step() Step {
	switch rs.Type {
	case string(KindCommand):
		return CommandStep{Commands: rs.Commands, Sudo: rs.Sudo}
	case string(KindDownload):
		return TransferStep{Direction: transfer.Download, Local: rs.Local, Remote: rs.Remote, Force: rs.Force, Resume: rs.Resume, MaxRetry: rs.MaxRetry}
	default:
		return TransferStep{Direction: transfer.Upload, Local: rs.Local, Remote: rs.Remote, Force: rs.Force, Resume: rs.Resume, MaxRetry: rs.MaxRetry}
	}
}
