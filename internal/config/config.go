// Package config loads the nested appliance configuration: built-in
// defaults, then an optional TOML file, then environment variables, each
// layer overriding the previous. A local .env file is picked up by the
// entrypoint's godotenv autoload for development.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
	"github.com/pkg/errors"

	"github.com/retrontology/doorcam/internal/model"
)

// Config is the root configuration document, one field per key group.
type Config struct {
	Camera        CameraConfig   `toml:"camera"`
	Analyzer      AnalyzerConfig `toml:"analyzer"`
	Event         EventConfig    `toml:"event"`
	Capture       CaptureConfig  `toml:"capture"`
	Stream        StreamConfig   `toml:"stream"`
	Display       DisplayConfig  `toml:"display"`
	System        SystemConfig   `toml:"system"`
	Authorization Authorization  `toml:"-"`
}

// Authorization carries the upstream camera device's credentials. These
// come from the environment only, never the config file.
type Authorization struct {
	Cookie string `env:"DOORCAM_CAMERA_AUTH_COOKIE"`
	Token  string `env:"DOORCAM_CAMERA_AUTH_TOKEN"`
}

type CameraConfig struct {
	Index     int    `toml:"index" env:"DOORCAM_CAMERA_INDEX" envDefault:"0"`
	DeviceURL string `toml:"device_url" env:"DOORCAM_CAMERA_DEVICE_URL"`
	Width     int    `toml:"width" env:"DOORCAM_CAMERA_WIDTH" envDefault:"640"`
	Height    int    `toml:"height" env:"DOORCAM_CAMERA_HEIGHT" envDefault:"480"`
	FPS       int    `toml:"fps" env:"DOORCAM_CAMERA_FPS" envDefault:"30"`
	Format    string `toml:"format" env:"DOORCAM_CAMERA_FORMAT" envDefault:"MJPG"`
}

type AnalyzerConfig struct {
	FPS                int     `toml:"fps" env:"DOORCAM_ANALYZER_FPS" envDefault:"5"`
	DeltaThreshold     int     `toml:"delta_threshold" env:"DOORCAM_ANALYZER_DELTA_THRESHOLD" envDefault:"25"`
	ContourMinimumArea float64 `toml:"contour_minimum_area" env:"DOORCAM_ANALYZER_CONTOUR_MINIMUM_AREA" envDefault:"1000"`
	JPEGDecodeScale    int     `toml:"jpeg_decode_scale" env:"DOORCAM_ANALYZER_JPEG_DECODE_SCALE" envDefault:"4"`
}

type EventConfig struct {
	PrerollSeconds  float64 `toml:"preroll_seconds" env:"DOORCAM_EVENT_PREROLL_SECONDS" envDefault:"5"`
	PostrollSeconds float64 `toml:"postroll_seconds" env:"DOORCAM_EVENT_POSTROLL_SECONDS" envDefault:"10"`
}

type CaptureConfig struct {
	Path              string  `toml:"path" env:"DOORCAM_CAPTURE_PATH" envDefault:"./captures"`
	TimestampOverlay  bool    `toml:"timestamp_overlay" env:"DOORCAM_CAPTURE_TIMESTAMP_OVERLAY" envDefault:"true"`
	TimestampFontPath string  `toml:"timestamp_font_path" env:"DOORCAM_CAPTURE_TIMESTAMP_FONT_PATH" envDefault:"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf"`
	TimestampFontSize float64 `toml:"timestamp_font_size" env:"DOORCAM_CAPTURE_TIMESTAMP_FONT_SIZE" envDefault:"24"`
	TimestampTimezone string  `toml:"timestamp_timezone" env:"DOORCAM_CAPTURE_TIMESTAMP_TIMEZONE" envDefault:"UTC"`
	OverlayDimFactor  float64 `toml:"overlay_dim_factor" env:"DOORCAM_CAPTURE_OVERLAY_DIM_FACTOR" envDefault:"0.33"`
	KeepImages        bool    `toml:"keep_images" env:"DOORCAM_CAPTURE_KEEP_IMAGES" envDefault:"true"`
	SaveMetadata      bool    `toml:"save_metadata" env:"DOORCAM_CAPTURE_SAVE_METADATA" envDefault:"true"`
	Rotation          string  `toml:"rotation" env:"DOORCAM_CAPTURE_ROTATION"`
}

type StreamConfig struct {
	IP        string `toml:"ip" env:"DOORCAM_STREAM_IP" envDefault:"0.0.0.0"`
	Port      int    `toml:"port" env:"DOORCAM_STREAM_PORT" envDefault:"8080"`
	Rotation  string `toml:"rotation" env:"DOORCAM_STREAM_ROTATION"`
	TargetFPS int    `toml:"target_fps" env:"DOORCAM_STREAM_TARGET_FPS" envDefault:"10"`
}

type DisplayConfig struct {
	FramebufferDevice       string `toml:"framebuffer_device" env:"DOORCAM_DISPLAY_FRAMEBUFFER_DEVICE" envDefault:"/dev/fb0"`
	BacklightDevice         string `toml:"backlight_device" env:"DOORCAM_DISPLAY_BACKLIGHT_DEVICE" envDefault:"/sys/class/backlight/rpi_backlight/brightness"`
	TouchDevice             string `toml:"touch_device" env:"DOORCAM_DISPLAY_TOUCH_DEVICE" envDefault:"/dev/input/event0"`
	ActivationPeriodSeconds int    `toml:"activation_period_seconds" env:"DOORCAM_DISPLAY_ACTIVATION_PERIOD_SECONDS" envDefault:"30"`
	Width                   int    `toml:"width" env:"DOORCAM_DISPLAY_WIDTH" envDefault:"800"`
	Height                  int    `toml:"height" env:"DOORCAM_DISPLAY_HEIGHT" envDefault:"480"`
	Rotation                string `toml:"rotation" env:"DOORCAM_DISPLAY_ROTATION"`
	JPEGDecodeScale         int    `toml:"jpeg_decode_scale" env:"DOORCAM_DISPLAY_JPEG_DECODE_SCALE" envDefault:"4"`
}

type SystemConfig struct {
	TrimOld            bool `toml:"trim_old" env:"DOORCAM_SYSTEM_TRIM_OLD" envDefault:"true"`
	RetentionDays      int  `toml:"retention_days" env:"DOORCAM_SYSTEM_RETENTION_DAYS" envDefault:"7"`
	RingBufferCapacity int  `toml:"ring_buffer_capacity" env:"DOORCAM_SYSTEM_RING_BUFFER_CAPACITY" envDefault:"150"`
	EventBusCapacity   int  `toml:"event_bus_capacity" env:"DOORCAM_SYSTEM_EVENT_BUS_CAPACITY" envDefault:"100"`
}

// ParseRotation converts the string config value (empty, "90", "180", or
// "270") to the optional model.Rotation it denotes.
func ParseRotation(s string) (*model.Rotation, error) {
	switch s {
	case "":
		return nil, nil
	case "90":
		r := model.Rotate90
		return &r, nil
	case "180":
		r := model.Rotate180
		return &r, nil
	case "270":
		r := model.Rotate270
		return &r, nil
	default:
		return nil, errors.Errorf("config: invalid rotation %q, want one of 90/180/270", s)
	}
}

// Load reads defaults, an optional TOML file at path (missing file is not
// an error), and environment variables, in that precedence order: env
// overrides file overrides built-in default.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, errors.Wrapf(err, "config: parsing %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "config: statting %s", path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing environment")
	}

	var auth Authorization
	if err := env.Parse(&auth); err != nil {
		return nil, errors.Wrap(err, "config: parsing authorization environment")
	}
	cfg.Authorization = auth

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no component can run under: zero
// resolutions, zero cadences, zero buffer capacities, malformed rotations.
func (c *Config) Validate() error {
	if c.Camera.Width == 0 || c.Camera.Height == 0 {
		return errors.New("config: camera resolution must be greater than 0")
	}
	if c.Camera.FPS == 0 {
		return errors.New("config: camera fps must be greater than 0")
	}
	if c.Analyzer.FPS == 0 {
		return errors.New("config: analyzer fps must be greater than 0")
	}
	if c.Event.PrerollSeconds <= 0 {
		return errors.New("config: event preroll_seconds must be greater than 0")
	}
	if c.Event.PostrollSeconds <= 0 {
		return errors.New("config: event postroll_seconds must be greater than 0")
	}
	if c.System.RingBufferCapacity == 0 {
		return errors.New("config: ring_buffer_capacity must be greater than 0")
	}
	if c.System.EventBusCapacity == 0 {
		return errors.New("config: event_bus_capacity must be greater than 0")
	}
	if _, err := ParseRotation(c.Capture.Rotation); err != nil {
		return err
	}
	if _, err := ParseRotation(c.Stream.Rotation); err != nil {
		return err
	}
	if _, err := ParseRotation(c.Display.Rotation); err != nil {
		return err
	}
	return nil
}

// secondsToDuration converts a configured number of seconds to a
// time.Duration.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PrerollDuration returns event.preroll_seconds as a time.Duration.
func (c *Config) PrerollDuration() time.Duration { return secondsToDuration(c.Event.PrerollSeconds) }

// PostrollDuration returns event.postroll_seconds as a time.Duration.
func (c *Config) PostrollDuration() time.Duration { return secondsToDuration(c.Event.PostrollSeconds) }
