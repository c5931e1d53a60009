// Package sentinel implements the host sentinel: a ticker-driven sampler
// of host CPU/memory/disk pressure that classifies the host into
// GREEN/YELLOW/RED and pauses/resumes sandboxes under RED pressure. The
// scheduler only ever reads Level()/Stats(); it never drives a sentinel
// transition itself.
package sentinel
