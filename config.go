package sekai

import (
	"os"

	"github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config carries the tunables of the engine. The zero value is not usable;
// start from DefaultConfig and override what you need, or load overrides from
// the environment or a YAML file.
type Config struct {
	// ChunkSmallBytes and ChunkLargeBytes are the two allocator size classes.
	// Both must be powers of two; small must divide large.
	ChunkSmallBytes int `config:"SEKAI_CHUNK_SMALL_BYTES" yaml:"chunk_small_bytes"`
	ChunkLargeBytes int `config:"SEKAI_CHUNK_LARGE_BYTES" yaml:"chunk_large_bytes"`
	// MaxComponentsPerArchetype caps how many component entities a single
	// archetype may carry.
	MaxComponentsPerArchetype int `config:"SEKAI_MAX_COMPONENTS" yaml:"max_components_per_archetype"`
	// MaxChunkLifespan and MaxArchetypeLifespan are the GC countdowns, in
	// gc() ticks, before an empty chunk or archetype is released.
	MaxChunkLifespan     int `config:"SEKAI_MAX_CHUNK_LIFESPAN" yaml:"max_chunk_lifespan"`
	MaxArchetypeLifespan int `config:"SEKAI_MAX_ARCHETYPE_LIFESPAN" yaml:"max_archetype_lifespan"`
}

// DefaultConfig returns the engine defaults: 8 KiB / 16 KiB chunks, 32
// components per archetype, and short GC countdowns.
func DefaultConfig() Config {
	return Config{
		ChunkSmallBytes:           8 * 1024,
		ChunkLargeBytes:           16 * 1024,
		MaxComponentsPerArchetype: 32,
		MaxChunkLifespan:          4,
		MaxArchetypeLifespan:      8,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies SEKAI_* environment
// overrides.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := config.FromEnv().To(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// ConfigFromFile starts from DefaultConfig and applies overrides from a YAML
// file.
func ConfigFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ChunkSmallBytes <= 0 || c.ChunkSmallBytes&(c.ChunkSmallBytes-1) != 0 {
		return eris.New("chunk_small_bytes must be a positive power of two")
	}
	if c.ChunkLargeBytes < c.ChunkSmallBytes || c.ChunkLargeBytes&(c.ChunkLargeBytes-1) != 0 {
		return eris.New("chunk_large_bytes must be a power of two >= chunk_small_bytes")
	}
	if c.MaxComponentsPerArchetype <= 0 || c.MaxComponentsPerArchetype > maxArchetypeComponents {
		return eris.New("max_components_per_archetype out of range")
	}
	if c.MaxChunkLifespan <= 0 || c.MaxChunkLifespan > 255 {
		return eris.New("max_chunk_lifespan out of range")
	}
	if c.MaxArchetypeLifespan <= 0 || c.MaxArchetypeLifespan > 255 {
		return eris.New("max_archetype_lifespan out of range")
	}
	return nil
}
