package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/ggoodman/soundtrigger-go/protocol"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// SessionFile describes one model to load and how to start recognition on
// it.
type SessionFile struct {
	Model       ModelSpec            `yaml:"model" json:"model" jsonschema:"required"`
	Media       protocol.MediaConfig `yaml:"media" json:"media"`
	Recognition RecognitionSpec      `yaml:"recognition" json:"recognition"`
	// Params are sent with SetParameters after the model is loaded.
	Params []string `yaml:"params,omitempty" json:"params,omitempty" jsonschema:"description=key=value strings sent to the session after loading"`
}

// ModelSpec is a sound model whose opaque blob lives in a separate file.
type ModelSpec struct {
	protocol.SoundModel `yaml:",inline"`
	DataFile            string `yaml:"data_file" json:"data_file" jsonschema:"required,description=Model blob path; relative paths resolve against the session file"`
}

// RecognitionSpec is a recognition config whose opaque blob, if any, lives
// in a separate file.
type RecognitionSpec struct {
	protocol.RecognitionConfig `yaml:",inline"`
	DataFile                   string `yaml:"data_file,omitempty" json:"data_file,omitempty" jsonschema:"description=Vendor config blob path"`
	// ReadCount is how many buffers to read after each detection when
	// capture is requested.
	ReadCount int `yaml:"read_count,omitempty" json:"read_count,omitempty" jsonschema:"minimum=0"`
	// ReadSize is the size of each buffer read.
	ReadSize int `yaml:"read_size,omitempty" json:"read_size,omitempty" jsonschema:"minimum=0"`
}

const defaultReadSize = 640

// loadSessionFile reads path and the blobs it refers to.
func loadSessionFile(path string) (*SessionFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var sf SessionFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	if sf.Model.DataFile == "" {
		return nil, fmt.Errorf("session file %s: model.data_file is required", path)
	}
	if sf.Recognition.ReadCount < 0 || sf.Recognition.ReadSize < 0 {
		return nil, fmt.Errorf("session file %s: read_count and read_size must not be negative", path)
	}
	if sf.Recognition.ReadSize == 0 {
		sf.Recognition.ReadSize = defaultReadSize
	}

	dir := filepath.Dir(path)
	if sf.Model.Data, err = readBlob(dir, sf.Model.DataFile); err != nil {
		return nil, err
	}
	if sf.Recognition.DataFile != "" {
		if sf.Recognition.Data, err = readBlob(dir, sf.Recognition.DataFile); err != nil {
			return nil, err
		}
	}
	if err := sf.Model.Validate(); err != nil {
		return nil, fmt.Errorf("session file %s: %w", path, err)
	}
	if err := sf.Recognition.Validate(); err != nil {
		return nil, fmt.Errorf("session file %s: %w", path, err)
	}
	return &sf, nil
}

func readBlob(dir, name string) ([]byte, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return b, nil
}

// blobPaths returns the absolute paths a session file depends on.
func (sf *SessionFile) blobPaths(path string) []string {
	dir := filepath.Dir(path)
	out := []string{}
	for _, name := range []string{sf.Model.DataFile, sf.Recognition.DataFile} {
		if name == "" {
			continue
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		out = append(out, name)
	}
	return out
}

var uuidType = reflect.TypeOf(uuid.UUID{})

// sessionFileSchema reflects the JSON Schema of SessionFile.
func sessionFileSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == uuidType {
				return &jsonschema.Schema{Type: "string", Format: "uuid"}
			}
			return nil
		},
	}
	return r.Reflect(new(SessionFile))
}
