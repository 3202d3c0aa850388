package webapi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/inoerp/js-sandbox/internal/core"
)

// ModuleGlobal is the global the bundled entry module's namespace is
// assigned to while its exports are published.
const ModuleGlobal = "__sandbox_module__"

// publishExportsJS copies the entry module's named exports onto globalThis
// so they can be called by name like top-level script functions.
const publishExportsJS = `
(function() {
	var m = globalThis.` + ModuleGlobal + `;
	delete globalThis.` + ModuleGlobal + `;
	if (!m) return 0;
	var names = Object.keys(m);
	var n = 0;
	for (var i = 0; i < names.length; i++) {
		if (names[i] === 'default') continue;
		globalThis[names[i]] = m[names[i]];
		n++;
	}
	if (typeof m.default === 'function' && m.default.name && !(m.default.name in globalThis)) {
		globalThis[m.default.name] = m.default;
		n++;
	}
	return n;
})()
`

// PublishExportsJS returns the snippet that moves the bundled module's
// exports onto globalThis. It evaluates to the number of names published.
func PublishExportsJS() string {
	return publishExportsJS
}

// BundleModule resolves path against the working directory and bundles the
// module graph rooted at it with esbuild. The result is an async function
// body: it may use top-level await, and once the promise returned by running
// it settles the entry namespace is in ModuleGlobal.
func BundleModule(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("module %s: %w", path, err)
	}

	entry := fmt.Sprintf("import * as m from %s;\nglobalThis.%s = m;\n", core.JsEscape(abs), ModuleGlobal)
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			ResolveDir: filepath.Dir(abs),
			Sourcefile: filepath.Base(abs) + ".entry.js",
			Loader:     api.LoaderJS,
		},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        api.FormatESModule,
		Write:         false,
		Platform:      api.PlatformNeutral,
		Target:        api.ES2022,
		TreeShaking:   api.TreeShakingFalse,
		LogLevel:      api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", e.Location.File, e.Location.Line, e.Location.Column, e.Text))
			} else {
				msgs = append(msgs, e.Text)
			}
		}
		return "", fmt.Errorf("bundling %s: %s", path, strings.Join(msgs, "; "))
	}

	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", path)
	}

	return "\"use strict\";\n" + string(result.OutputFiles[0].Contents), nil
}
