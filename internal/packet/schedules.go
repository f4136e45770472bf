package packet

// ScheduleRule is the dispensing policy of one controlled schedule.
type ScheduleRule struct {
	WitnessRequired bool `toml:"witness_required"`
	MaxSupplyDays   int  `toml:"max_supply_days"`
}

// ControlledSchedules maps schedule names to their rules.
type ControlledSchedules map[string]ScheduleRule

// DefaultSchedules is the policy table used unless configured otherwise.
func DefaultSchedules() ControlledSchedules {
	return ControlledSchedules{
		"II":  {WitnessRequired: true, MaxSupplyDays: 7},
		"III": {WitnessRequired: true, MaxSupplyDays: 14},
		"IV":  {WitnessRequired: false, MaxSupplyDays: 30},
		"V":   {WitnessRequired: false, MaxSupplyDays: 30},
	}
}

// Rule returns the rule for a schedule.
func (s ControlledSchedules) Rule(schedule string) (ScheduleRule, bool) {
	r, ok := s[schedule]
	return r, ok
}
