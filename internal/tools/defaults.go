package tools

// Builtin returns a registry populated with the builtin workspace tools.
func Builtin(workingDir string) *Registry {
	r := NewRegistry()
	r.Register(&FileReadTool{WorkingDir: workingDir})
	r.Register(&FileWriteTool{WorkingDir: workingDir})
	r.Register(&FileAppendTool{WorkingDir: workingDir})
	r.Register(&FileEditTool{WorkingDir: workingDir})
	r.Register(&BashTool{WorkingDir: workingDir})
	return r
}

// MutatingAllowlist names the builtin tools covered by checkpointing when
// write_tools_only is set.
func MutatingAllowlist() map[string]bool {
	return map[string]bool{
		"write_file":  true,
		"append_file": true,
		"edit_file":   true,
		"bash":        true,
	}
}
