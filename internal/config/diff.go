package config

// Diff describes what changed between two configs. Only fields that are safe
// to apply without a restart are tracked; everything else (listen addresses,
// caps, database, storage) requires a process restart and is deliberately
// absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HandoffChanged covers keywords, turn cap, country code and dev
	// number; the handoff manager swaps its policy wholesale.
	HandoffChanged bool
	NewHandoff     HandoffConfig

	// TransferChanged covers the timeout, hold music, accept window and
	// fuzzy cutoff defaults.
	TransferChanged bool
	NewTransfer     TransferConfig
}

// Empty reports whether nothing reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.HandoffChanged && !d.TransferChanged
}

// Diff compares old and new configs and returns the hot-reloadable changes.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !equalHandoff(old.Handoff, new.Handoff) {
		d.HandoffChanged = true
		d.NewHandoff = new.Handoff
	}
	if old.Transfer != new.Transfer {
		d.TransferChanged = true
		d.NewTransfer = new.Transfer
	}
	return d
}

func equalHandoff(a, b HandoffConfig) bool {
	if a.MaxAITurns != b.MaxAITurns || a.CountryCode != b.CountryCode || a.DevTestNumber != b.DevTestNumber {
		return false
	}
	if len(a.Keywords) != len(b.Keywords) {
		return false
	}
	for i := range a.Keywords {
		if a.Keywords[i] != b.Keywords[i] {
			return false
		}
	}
	return true
}
