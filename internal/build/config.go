package build

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var devices = map[string]string{
	"Orange Pi PC Plus":           "opi-pc-plus",
	"Raspberry Pi Model B and B+": "rpi-b",
	"Raspberry Pi 2 Model B":      "rpi-2-b",
	"Raspberry Pi 3 Model B":      "rpi-3-b",
	"Raspberry Pi Zero":           "rpi-zero",
}

var operatingSystems = map[string]string{
	`Debian 10 "Buster" (32-bit)`:           "debian-buster-armhf",
	`Devuan 1 "Jessie" (32-bit)`:            "devuan-jessie-armhf",
	`Raspbian 9 "Stretch" (32-bit)`:         "raspbian-stretch-armhf",
	`Ubuntu 16.04 "Xenial Xerus" (32-bit)`:  "ubuntu-xenial-armhf",
	`Ubuntu 18.04 "Bionic Beaver" (32-bit)`: "ubuntu-bionic-armhf",
	`Ubuntu 18.04 "Bionic Beaver" (64-bit)`: "ubuntu-bionic-arm64",
}

var (
	packagePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]*$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

const (
	MinImageSizeMiB = 512
	MaxImageSizeMiB = 16384
)

type User struct {
	Name     string `json:"name" yaml:"name"`
	Password string `json:"password" yaml:"password"`
}

// Config describes the image a user asked for. Device and OS hold the
// human-readable names shown to users; Environment translates them to the
// toolchain identifiers.
type Config struct {
	Device       string   `json:"device" yaml:"device"`
	OS           string   `json:"os" yaml:"os"`
	Packages     []string `json:"packages,omitempty" yaml:"packages"`
	Hostname     string   `json:"hostname,omitempty" yaml:"hostname"`
	TimeZone     string   `json:"time_zone,omitempty" yaml:"time_zone"`
	RootPassword string   `json:"root_password,omitempty" yaml:"root_password"`
	Users        []User   `json:"users,omitempty" yaml:"users"`
	ImageSizeMiB int      `json:"image_size_mib,omitempty" yaml:"image_size_mib"`
}

func (c Config) Validate() error {
	var errs []error
	if _, ok := devices[c.Device]; !ok {
		errs = append(errs, fmt.Errorf("invalid device %q", c.Device))
	}
	if _, ok := operatingSystems[c.OS]; !ok {
		errs = append(errs, fmt.Errorf("invalid os %q", c.OS))
	}
	for _, pkg := range c.Packages {
		if !packagePattern.MatchString(pkg) {
			errs = append(errs, fmt.Errorf("invalid package name %q", pkg))
		}
	}
	if c.Hostname != "" && !hostnamePattern.MatchString(c.Hostname) {
		errs = append(errs, fmt.Errorf("invalid hostname %q", c.Hostname))
	}
	if strings.ContainsAny(c.TimeZone, " \t\r\n") {
		errs = append(errs, fmt.Errorf("invalid time zone %q", c.TimeZone))
	}
	// The toolchain creates a single regular user.
	if len(c.Users) > 1 {
		errs = append(errs, fmt.Errorf("invalid users: at most one user is supported, got %d", len(c.Users)))
	}
	for _, user := range c.Users {
		if !usernamePattern.MatchString(user.Name) {
			errs = append(errs, fmt.Errorf("invalid user name %q", user.Name))
		}
		if user.Password == "" {
			errs = append(errs, fmt.Errorf("missing password for user %q", user.Name))
		}
	}
	if c.ImageSizeMiB != 0 && (c.ImageSizeMiB < MinImageSizeMiB || c.ImageSizeMiB > MaxImageSizeMiB) {
		errs = append(errs, fmt.Errorf("invalid image size %d MiB (expected %d..%d)", c.ImageSizeMiB, MinImageSizeMiB, MaxImageSizeMiB))
	}
	return errors.Join(errs...)
}

// Distro is the name used in notifications.
func (c Config) Distro() string {
	if c.OS == "" {
		return "Image"
	}
	return c.OS
}

// Environment returns the sorted KEY=value list handed to the builder.
func (c Config) Environment(id ID) []string {
	env := map[string]string{
		"PROJECT_NAME": id,
	}
	if device, ok := devices[c.Device]; ok {
		env["DEVICE"] = device
	}
	if osName, ok := operatingSystems[c.OS]; ok {
		env["OS"] = osName
	}
	if len(c.Packages) > 0 {
		env["INCLUDES"] = strings.Join(c.Packages, ",")
	}
	if c.Hostname != "" {
		env["HOST_NAME"] = c.Hostname
	}
	if c.TimeZone != "" {
		env["TIME_ZONE"] = c.TimeZone
	}
	if c.RootPassword != "" {
		env["ENABLE_ROOT"] = "true"
		env["PASSWORD"] = c.RootPassword
	}
	if len(c.Users) > 0 {
		env["ENABLE_USER"] = "true"
		env["USER_NAME"] = c.Users[0].Name
		env["USER_PASSWORD"] = c.Users[0].Password
	}
	if c.ImageSizeMiB > 0 {
		env["IMAGE_ROOTFS_SIZE"] = strconv.Itoa(c.ImageSizeMiB)
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func Devices() []string {
	return sortedKeys(devices)
}

func OperatingSystems() []string {
	return sortedKeys(operatingSystems)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
