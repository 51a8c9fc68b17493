package engine

import (
	"os"
	"os/exec"
	"runtime"
)

// Prober reports which accelerators the host offers.
type Prober interface {
	HasCUDA() bool
	HasMPS() bool
}

type systemProber struct{}

// SystemProber inspects the running host.
func SystemProber() Prober { return systemProber{} }

func (systemProber) HasCUDA() bool {
	if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func (systemProber) HasMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

// ResolveDevice turns auto into a concrete device, preferring cuda, then
// mps, then cpu. Concrete devices pass through unchanged.
func ResolveDevice(d Device, p Prober) Device {
	if d != DeviceAuto && d != "" {
		return d
	}
	switch {
	case p.HasCUDA():
		return DeviceCUDA
	case p.HasMPS():
		return DeviceMPS
	}
	return DeviceCPU
}
