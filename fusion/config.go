package fusion

import (
	"github.com/pkg/errors"

	"go.viam.com/rdk/resource"
)

// Defaults mirror the parameter defaults of the original localization stack.
const (
	defaultVarImuW    = 0.01
	defaultVarImuAcc  = 0.01
	defaultVarGNSSXY  = 0.1
	defaultVarGNSSZ   = 0.15
	defaultVarOdomXYZ = 0.2

	defaultInitialPosVar = 1.0
	defaultInitialVelVar = 10.0
	defaultInitialRotVar = 0.25

	defaultGravityMSS = 9.80665

	defaultIMURateHz      = 100.0
	defaultGNSSRateHz     = 5.0
	defaultOdometryRateHz = 10.0
)

// Config configures the pose fusion movement sensor. The IMU dependency is
// required; a GNSS dependency feeds absolute position corrections and an
// odometry dependency feeds relative ones. Variances follow the original
// parameter names: var_imu_w and var_imu_acc are the IMU noise variances in
// (rad/s)^2 and (m/s^2)^2, var_gnss_xy/var_gnss_z and var_odom_xyz are
// position measurement variances in m^2.
type Config struct {
	IMU      string `json:"imu"`
	GNSS     string `json:"gnss,omitempty"`
	Odometry string `json:"odometry,omitempty"`

	// UseGNSS defaults to true when a GNSS sensor is configured.
	UseGNSS     *bool `json:"use_gnss,omitempty"`
	UseOdometry bool  `json:"use_odometry,omitempty"`
	// UseGNSSAsInitialPose seeds the filter from the first GNSS fix instead
	// of waiting for an explicit set_initial_pose command. The two seeding
	// channels are mutually exclusive by construction: once the filter is
	// ready, further fixes only correct it.
	UseGNSSAsInitialPose bool `json:"use_gnss_as_initial_pose,omitempty"`

	VarImuW    float64 `json:"var_imu_w,omitempty"`
	VarImuAcc  float64 `json:"var_imu_acc,omitempty"`
	VarGNSSXY  float64 `json:"var_gnss_xy,omitempty"`
	VarGNSSZ   float64 `json:"var_gnss_z,omitempty"`
	VarOdomXYZ float64 `json:"var_odom_xyz,omitempty"`

	// InitialVariance scales the covariance the filter is reset to on
	// initialization. Zero means the built-in defaults.
	InitialVariance float64 `json:"initial_variance,omitempty"`

	// GravityMSS is the gravity magnitude in m/s^2, pointing down the local
	// frame's negative Z axis.
	GravityMSS float64 `json:"gravity_mss,omitempty"`

	IMURateHz      float64 `json:"imu_rate_hz,omitempty"`
	GNSSRateHz     float64 `json:"gnss_rate_hz,omitempty"`
	OdometryRateHz float64 `json:"odometry_rate_hz,omitempty"`

	// Origin of the local reference frame. When unset, the first GNSS fix
	// becomes the origin.
	OriginLatitude  *float64 `json:"origin_latitude,omitempty"`
	OriginLongitude *float64 `json:"origin_longitude,omitempty"`
}

// Validate checks the config and returns the dependencies to resolve.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.IMU == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "imu")
	}
	deps := []string{cfg.IMU}

	if cfg.useGNSS() && cfg.GNSS == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "gnss")
	}
	if cfg.GNSS != "" {
		deps = append(deps, cfg.GNSS)
	}

	if cfg.UseOdometry {
		if cfg.Odometry == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(path, "odometry")
		}
		deps = append(deps, cfg.Odometry)
	}

	for _, v := range []float64{
		cfg.VarImuW, cfg.VarImuAcc, cfg.VarGNSSXY, cfg.VarGNSSZ, cfg.VarOdomXYZ,
		cfg.InitialVariance, cfg.GravityMSS, cfg.IMURateHz, cfg.GNSSRateHz, cfg.OdometryRateHz,
	} {
		if v < 0 {
			return nil, resource.NewConfigValidationError(
				path, errors.New("variances, rates, and gravity must be non-negative"))
		}
	}

	if (cfg.OriginLatitude == nil) != (cfg.OriginLongitude == nil) {
		return nil, resource.NewConfigValidationError(
			path, errors.New("origin_latitude and origin_longitude must be set together"))
	}

	return deps, nil
}

func (cfg *Config) useGNSS() bool {
	if cfg.UseGNSS != nil {
		return *cfg.UseGNSS
	}
	return cfg.GNSS != "" || cfg.UseGNSSAsInitialPose
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
