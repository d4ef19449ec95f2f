package template

// BuiltinTemplates returns the set of built-in workflow templates.
func BuiltinTemplates() []Template {
	return []Template{
		standardDelivery(),
		hotfix(),
		verifyOnly(),
	}
}

// standardDelivery is the default four-phase flow:
// plan → build → test → ship, with ship terminal.
func standardDelivery() Template {
	return Template{
		Name:        "standard-delivery",
		Description: "Plan, build, test, then ship. Ship never auto-continues.",
		Builtin:     true,
		Phases:      []string{"plan", "build", "test", "ship"},
		Terminal:    []string{"ship"},
	}
}

// hotfix skips planning: build → verify → ship.
func hotfix() Template {
	return Template{
		Name:        "hotfix",
		Description: "Fast path for urgent fixes: build, verify, ship.",
		Builtin:     true,
		Phases:      []string{"build", "verify", "ship"},
		Terminal:    []string{"ship"},
	}
}

// verifyOnly runs a single verification phase and stops.
func verifyOnly() Template {
	return Template{
		Name:        "verify-only",
		Description: "Single verification pass with no follow-on phases.",
		Builtin:     true,
		Phases:      []string{"verify"},
		Terminal:    []string{"verify"},
	}
}
