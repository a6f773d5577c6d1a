// engine.go
//
// The object runtime core for the osysHome automation server
// Copyright (c) 2026 the objectd authors
//
// This file is part of objectd.
// objectd is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// objectd is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with objectd.
// If not, see <https://www.gnu.org/licenses/>.

// Package scripts evaluates user method bodies in an embedded Go
// interpreter. Each execution gets a fresh interpreter with the stdlib
// whitelist and the runtime primitives bound into scope, so state never
// leaks between runs.
package scripts

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// BindPackage is the virtual import path the runtime primitives are
// published under; wrapped bodies dot-import it so scripts call
// SetProperty, CallMethod and friends unqualified.
const BindPackage = "objectd/bind"

// Bindings are the values and functions visible to a script body.
// Functions keep their Go signatures; values are bound as-is.
type Bindings map[string]any

// Engine runs script bodies. Safe to share between goroutines; every
// Run builds its own interpreter.
type Engine struct {
	allowed map[string]bool
	timeout time.Duration
	log     *zap.Logger
}

// New creates an engine with the default stdlib whitelist. timeout
// bounds one execution; zero means no bound beyond the caller's ctx.
func New(timeout time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		timeout: timeout,
		log:     log,
		allowed: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,

			// blocked on purpose: os, os/exec, net, net/http,
			// syscall, unsafe, io/ioutil, plugin
		},
	}
}

// Run evaluates one body with the given bindings and returns whatever
// the script printed. The body is a sequence of statements; a full
// `package main` file with its own Run() is also accepted. Execution is
// bounded by ctx and the engine timeout; a panicking script is reported
// as an error, never crashes the caller.
func (e *Engine) Run(ctx context.Context, code string, binds Bindings) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", nil
	}
	if err := e.validateImports(code); err != nil {
		return "", err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var out bytes.Buffer
	i := interp.New(interp.Options{Stdout: &out, Stderr: &out})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("load stdlib symbols: %w", err)
	}
	if len(binds) > 0 {
		exports := make(map[string]reflect.Value, len(binds))
		for name, v := range binds {
			exports[name] = reflect.ValueOf(v)
		}
		if err := i.Use(interp.Exports{BindPackage + "/bind": exports}); err != nil {
			return "", fmt.Errorf("bind runtime symbols: %w", err)
		}
	}

	full := wrapBody(code, len(binds) > 0)
	if _, err := i.Eval(full); err != nil {
		return out.String(), fmt.Errorf("compile script: %w", err)
	}
	runVal, err := i.Eval("main.Run")
	if err != nil {
		return out.String(), fmt.Errorf("script has no Run entry: %w", err)
	}
	run, ok := runVal.Interface().(func())
	if !ok {
		return out.String(), fmt.Errorf("Run has signature %T, want func()", runVal.Interface())
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		run()
		done <- nil
	}()

	select {
	case err := <-done:
		return out.String(), err
	case <-ctx.Done():
		// the goroutine is abandoned; a runaway body holds its
		// goroutine until it returns on its own
		e.log.Warn("script execution timed out")
		return out.String(), fmt.Errorf("script execution: %w", ctx.Err())
	}
}

// validateImports rejects any import outside the whitelist. The virtual
// binding package is always allowed.
func (e *Engine) validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, ". "), `"`))
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.TrimPrefix(trimmed, "import ")
			pkg = strings.TrimPrefix(pkg, ". ")
			imports = append(imports, strings.Trim(pkg, `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if pkg == BindPackage {
			continue
		}
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapBody turns a bare statement body into a runnable file. Bodies
// that already declare package main pass through untouched.
func wrapBody(code string, withBinds bool) string {
	if strings.Contains(code, "package main") {
		return code
	}
	var b strings.Builder
	b.WriteString("package main\n\n")
	if withBinds {
		fmt.Fprintf(&b, "import . %q\n\n", BindPackage)
	}
	b.WriteString("func Run() {\n")
	b.WriteString(code)
	b.WriteString("\n}\n")
	return b.String()
}
