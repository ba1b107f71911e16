package lake

import "flag"

// RegisterFlags defines the flags -map, -slippery, -max_steps and -punishment in flagSet. It returns the
// function that builds the Config from their values, to be called after parsing.
func RegisterFlags(flagSet *flag.FlagSet) func() (Config, error) {
	defaults := DefaultConfig()
	mapName := flagSet.String("map", "4x4", "Lake map: \"4x4\" or \"8x8\".")
	slippery := flagSet.Bool("slippery", defaults.Slippery, "Slippery lakes move the agent in the intended "+
		"direction only 1/3 of the time.")
	maxSteps := flagSet.Int("max_steps", defaults.MaxSteps, "Episodes are terminated early after this many steps. "+
		"0 disables it.")
	punishment := flagSet.Float64("punishment", float64(defaults.Punishment), "Cost added to the step that "+
		"terminates an episode early.")
	return func() (Config, error) {
		m, err := MapByName(*mapName)
		if err != nil {
			return Config{}, err
		}
		return Config{
			Map:        m,
			Slippery:   *slippery,
			MaxSteps:   *maxSteps,
			Punishment: float32(*punishment),
		}, nil
	}
}
