package blueprint

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProducerOption is one provider/model variant a producer can dispatch to.
type ProducerOption struct {
	Provider    string            `yaml:"provider"`
	Model       string            `yaml:"model"`
	Environment string            `yaml:"environment"` // optional; "*" matches any
	Default     bool              `yaml:"default"`
	SDKMapping  map[string]string `yaml:"sdkMapping"` // input key → sdk field
}

// ProducerModels lists the variants declared for one producer.
type ProducerModels struct {
	Options []*ProducerOption `yaml:"options"`
}

// ModelsFile is the producer option registry: the variants declared per
// producer alias.
type ModelsFile struct {
	Producers map[string]*ProducerModels `yaml:"producers"`
}

// VariantSelection is the resolved variant for one producer.
type VariantSelection struct {
	Provider   string
	Model      string
	SDKMapping map[string]string
}

// LoadModels reads the producer models YAML file.
func LoadModels(path string) (*ModelsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newParserError(InvalidInputFile, path, err)
	}
	return ParseModels(data)
}

// ParseModels decodes a producer models document.
func ParseModels(data []byte) (*ModelsFile, error) {
	var mf ModelsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		return nil, newParserError(InvalidInputFile, "models", err)
	}
	return &mf, nil
}

// Validate checks every producer in the models file against the blueprint.
func (m *ModelsFile) Validate(bp *Blueprint) error {
	for alias := range m.Producers {
		if _, ok := bp.Producers[alias]; !ok {
			return newParserError(UnknownProducerInModels, alias, nil)
		}
	}
	return nil
}

// SelectVariant resolves the variant for a producer. requested may be empty
// (pick the sole option or the one marked default), "provider" or
// "provider/model". environment narrows options that declare one; an option
// with environment "" or "*" matches any.
func (m *ModelsFile) SelectVariant(producer, requested, environment string) (*VariantSelection, error) {
	declared := m.Producers[producer]
	if declared == nil || len(declared.Options) == 0 {
		return nil, newParserError(NoProducerOptions, producer, nil)
	}
	options := declared.Options

	matching := make([]*ProducerOption, 0, len(options))
	for _, opt := range options {
		if !matchesEnvironment(opt, environment) {
			continue
		}
		if !matchesRequest(opt, requested) {
			continue
		}
		matching = append(matching, opt)
	}

	switch len(matching) {
	case 0:
		return nil, newParserError(NoProducerOptions, producer,
			fmt.Errorf("no option matches %q in environment %q", requested, environment))
	case 1:
		return selection(matching[0]), nil
	}

	// Several candidates: a single explicit default disambiguates.
	var def *ProducerOption
	for _, opt := range matching {
		if opt.Default {
			if def != nil {
				return nil, newParserError(AmbiguousModelSelection, producer,
					fmt.Errorf("multiple default options"))
			}
			def = opt
		}
	}
	if def != nil {
		return selection(def), nil
	}
	return nil, newParserError(AmbiguousModelSelection, producer,
		fmt.Errorf("%d options match %q", len(matching), requested))
}

func selection(opt *ProducerOption) *VariantSelection {
	return &VariantSelection{Provider: opt.Provider, Model: opt.Model, SDKMapping: opt.SDKMapping}
}

func matchesEnvironment(opt *ProducerOption, environment string) bool {
	if opt.Environment == "" || opt.Environment == "*" || environment == "" {
		return true
	}
	return opt.Environment == environment
}

func matchesRequest(opt *ProducerOption, requested string) bool {
	if requested == "" {
		return true
	}
	provider, model, hasModel := strings.Cut(requested, "/")
	if opt.Provider != provider {
		return false
	}
	return !hasModel || opt.Model == model
}
