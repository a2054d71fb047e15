// Copyright 2025 Tom Barlow
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

package shared

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/workflow"
)

// ResolveTemplatePath resolves a template argument to a file path.
// Resolution order:
// 1. If arg exists as a file, return it
// 2. If arg is a directory with template.yaml, return that
// 3. Try arg.yaml, then arg.yml
// 4. Try the same names under templatesDir
// An empty result with a nil error means arg is not a file and should be
// treated as a stored template id.
func ResolveTemplatePath(arg, templatesDir string) (string, error) {
	info, err := os.Stat(arg)
	if err == nil {
		if info.IsDir() {
			p := filepath.Join(arg, "template.yaml")
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
			return "", fmt.Errorf("directory %q exists but does not contain template.yaml", arg)
		}
		return arg, nil
	}

	candidates := []string{arg + ".yaml", arg + ".yml"}
	if templatesDir != "" && !filepath.IsAbs(arg) {
		candidates = append(candidates,
			filepath.Join(templatesDir, arg+".yaml"),
			filepath.Join(templatesDir, arg+".yml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// LoadTemplate resolves arg to a template file and parses it, or, when arg
// is not a file, fetches the stored template with that id. fromFile reports
// which happened.
func LoadTemplate(ctx context.Context, svc *service.Service, arg string) (t *workflow.Template, fromFile bool, err error) {
	path, err := ResolveTemplatePath(arg, svc.Config().Templates.Dir)
	if err != nil {
		return nil, false, NewInvalidError("resolving template", err)
	}
	if path == "" {
		stored, err := svc.GetTemplate(ctx, arg)
		if err != nil {
			return nil, false, Classify(fmt.Sprintf("template %q", arg), err)
		}
		return stored, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, true, NewMissingInputError(fmt.Sprintf("failed to read %s", path), err)
	}
	t, err = workflow.ParseTemplate(data)
	if err != nil {
		return nil, true, Classify(fmt.Sprintf("parsing %s", path), err)
	}
	t.Source = path
	return t, true, nil
}
