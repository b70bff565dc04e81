package tools

import "strings"

// Definition describes a built-in tool's policy properties.
type Definition struct {
	Name             string
	Mutating         bool
	RequiresApproval bool
}

var builtinDefinitions = map[string]Definition{
	"write_file": {
		Name:             "write_file",
		Mutating:         true,
		RequiresApproval: true,
	},
	"delete_file": {
		Name:             "delete_file",
		Mutating:         true,
		RequiresApproval: true,
	},
	"create_folder": {
		Name:             "create_folder",
		Mutating:         true,
		RequiresApproval: true,
	},
	"read_file": {
		Name:             "read_file",
		Mutating:         false,
		RequiresApproval: false,
	},
	"list_folder": {
		Name:             "list_folder",
		Mutating:         false,
		RequiresApproval: false,
	},
	"search_documents": {
		Name:             "search_documents",
		Mutating:         false,
		RequiresApproval: false,
	},
}

func LookupDefinition(toolName string) (Definition, bool) {
	name := strings.TrimSpace(toolName)
	if name == "" {
		return Definition{}, false
	}
	def, ok := builtinDefinitions[name]
	if !ok {
		return Definition{}, false
	}
	return def, true
}

// RequiresApproval reports whether the tool must pass human review before it
// executes. Unknown tools require approval so a new mutating tool can never
// slip through unreviewed.
func RequiresApproval(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	if !ok {
		return true
	}
	return def.RequiresApproval
}

func IsMutating(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	if !ok {
		return true
	}
	return def.Mutating
}
