// Copyright 2025 Ron Keiser
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

package def

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Resources resolves workflow definitions for the coordinator.
type Resources interface {
	// Workflow returns the definition for a (id, version) reference.
	Workflow(ref Ref) (*WorkflowDef, error)
}

// Loader reads workflow definitions from a directory of YAML files named
// "<id>@<version>.yaml".
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the directory the loader reads from.
func (l *Loader) Dir() string {
	return l.dir
}

// Workflow loads, validates and finalizes one definition.
func (l *Loader) Workflow(ref Ref) (*WorkflowDef, error) {
	path := filepath.Join(l.dir, ref.String()+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &wondererr.NotFoundError{Resource: "workflow", ID: ref.String()}
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data, ref)
}

// Parse unmarshals a YAML definition and checks it matches the expected
// reference.
func Parse(data []byte, ref Ref) (*WorkflowDef, error) {
	var w WorkflowDef
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &wondererr.DefinitionError{Kind: "workflow", Ref: ref.String(), Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if w.ID != ref.ID || w.Version != ref.Version {
		return nil, &wondererr.DefinitionError{
			Kind:    "workflow",
			Ref:     ref.String(),
			Message: fmt.Sprintf("file declares %s@%d", w.ID, w.Version),
		}
	}
	if err := Validate(&w); err != nil {
		return nil, err
	}
	w.Finalize()
	return &w, nil
}

// ParseFileRef extracts the (id, version) reference from a definition file
// name. Returns false for names that are not "<id>@<version>.yaml".
func ParseFileRef(name string) (Ref, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".yaml")
	if base == filepath.Base(name) {
		return Ref{}, false
	}
	id, ver, ok := strings.Cut(base, "@")
	if !ok || id == "" {
		return Ref{}, false
	}
	version, err := strconv.Atoi(ver)
	if err != nil || version < 1 {
		return Ref{}, false
	}
	return Ref{ID: id, Version: version}, true
}
