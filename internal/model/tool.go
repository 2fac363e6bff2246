package model

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"
)

// Input describes how a value of a named input reaches the command.
//
// An input which is neither File nor TempFile is substituted inline. File
// inputs are staged under the Tag name, TempFile inputs under a generated
// name. List inputs are staged element by element together with two
// manifests, or concatenated into a single file when Concatenate is set.
type Input struct {
	Tag         string `yaml:"tag"`
	File        bool   `yaml:"file"`
	TempFile    bool   `yaml:"temp_file"`
	Binary      bool   `yaml:"binary"`
	List        bool   `yaml:"list"`
	Concatenate bool   `yaml:"concatenate"`
	ForceCopy   bool   `yaml:"force_copy"`
	Charset     string `yaml:"charset"`
}

// Staged reports if the input ends as a file in the working directory.
func (in Input) Staged() bool {
	return in.File || in.TempFile || in.List
}

// Encoding returns the encoding of a text input staged as a file, nil
// means the data is written as is.
func (in Input) Encoding() (encoding.Encoding, error) {
	if in.Binary || in.Charset == "" || strings.EqualFold(in.Charset, CharsetUTF8) {
		return nil, nil
	}
	enc, err := htmlindex.Get(in.Charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", in.Charset, err)
	}
	return enc, nil
}

// StaticInput is an input declared by the tool itself, its value is either
// a literal Content or data downloaded from URL.
type StaticInput struct {
	Input   `yaml:",inline"`
	Content string `yaml:"content"`
	URL     string `yaml:"url"`
}

type Output struct {
	Path   string `yaml:"path"`
	Binary bool   `yaml:"binary"`
}

func (o Output) Nature() DataNature {
	if o.Binary {
		return NatureBinary
	}
	return NatureText
}

// Tool is a description of an external tool.
type Tool struct {
	Name                string               `yaml:"name"`
	Command             string               `yaml:"command"`
	Inputs              map[string]Input     `yaml:"inputs"`
	StaticInputs        []StaticInput        `yaml:"static_inputs"`
	Outputs             map[string]Output    `yaml:"outputs"`
	ValidReturnCodes    []int                `yaml:"valid_return_codes"`
	RuntimeEnvironments []RuntimeEnvironment `yaml:"runtime_environments"`
}

// LoadTool decodes a YAML tool description and applies defaults.
func LoadTool(r io.Reader) (Tool, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Tool
	if err := dec.Decode(&t); err != nil {
		return Tool{}, fmt.Errorf("decoding tool: %w", err)
	}
	t = t.WithDefaults()
	if err := t.Validate(); err != nil {
		return Tool{}, err
	}
	return t, nil
}

// WithDefaults returns a copy where every input has a tag and the valid
// return codes are at least [0].
func (t Tool) WithDefaults() Tool {
	inputs := make(map[string]Input, len(t.Inputs))
	for name, in := range t.Inputs {
		if in.Tag == "" {
			in.Tag = name
		}
		inputs[name] = in
	}
	t.Inputs = inputs
	if len(t.ValidReturnCodes) == 0 {
		t.ValidReturnCodes = []int{0}
	}
	return t
}

func (t Tool) Validate() error {
	var errs []error
	if t.Command == "" {
		errs = append(errs, errors.New("tool command is empty"))
	}
	for name, in := range t.Inputs {
		if in.Tag == "" {
			errs = append(errs, fmt.Errorf("input %s: empty tag", name))
		}
		if in.Concatenate && !in.List {
			errs = append(errs, fmt.Errorf("input %s: concatenate requires list", name))
		}
		if _, err := in.Encoding(); err != nil {
			errs = append(errs, fmt.Errorf("input %s: %w", name, err))
		}
	}
	for i, s := range t.StaticInputs {
		if s.Tag == "" {
			errs = append(errs, fmt.Errorf("static input %d: empty tag", i))
		}
		if (s.Content == "") == (s.URL == "") {
			errs = append(errs, fmt.Errorf("static input %s: exactly one of content or url is required", s.Tag))
		}
	}
	for name, out := range t.Outputs {
		if out.Path == "" {
			errs = append(errs, fmt.Errorf("output %s: empty path", name))
		}
	}
	return errors.Join(errs...)
}

// SupportedBy checks that every runtime environment the tool requires is
// matched by an environment at least as capable in provided. An empty
// provided list means the capabilities are unknown and nothing is checked.
func (t Tool) SupportedBy(provided []RuntimeEnvironment) error {
	if len(provided) == 0 {
		return nil
	}
	var missing []string
	for _, req := range t.RuntimeEnvironments {
		if !req.IsInferiorToAtLeastOneIn(provided) {
			missing = append(missing, req.ID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedRuntime, strings.Join(missing, ", "))
	}
	return nil
}

func (t Tool) ValidCode(code int) bool {
	if len(t.ValidReturnCodes) == 0 {
		return code == 0
	}
	return slices.Contains(t.ValidReturnCodes, code)
}

// OutputNames returns the declared outputs in a stable order.
func (t Tool) OutputNames() []string {
	names := make([]string, 0, len(t.Outputs))
	for name := range t.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
