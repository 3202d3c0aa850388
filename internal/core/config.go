package core

// DefaultScriptName is the file name engines report in stack traces for
// source that did not come from a file.
const DefaultScriptName = "sandboxed.js"

// EngineConfig holds the settings a backend needs to create one engine
// instance.
type EngineConfig struct {
	MemoryLimitMB int    // per-instance heap limit, 0 keeps the engine default
	ScriptName    string // name used for evaluated source in stack traces
}

// Name returns the configured script name or DefaultScriptName.
func (c EngineConfig) Name() string {
	if c.ScriptName == "" {
		return DefaultScriptName
	}
	return c.ScriptName
}
