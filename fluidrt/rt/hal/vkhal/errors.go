package vkhal

import (
	"errors"
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gekko3d/fluid/fluidrt/rt/hal"
)

// VK_ERROR_OUT_OF_POOL_MEMORY, core since Vulkan 1.1.
const errorOutOfPoolMemory vk.Result = -1000069000

// newError converts a Vulkan result into an error that matches the hal
// sentinels with errors.Is. Success yields nil.
func newError(op string, res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	var kind error
	switch res {
	case errorOutOfPoolMemory, vk.ErrorFragmentedPool:
		kind = hal.ErrPoolExhausted
	case vk.ErrorDeviceLost:
		kind = hal.ErrDeviceLost
	case vk.Timeout:
		kind = hal.ErrDeviceUnresponsive
	}
	cause := vk.Error(res)
	if cause == nil {
		cause = errors.New("unexpected result")
	}
	if kind != nil {
		return fmt.Errorf("vulkan: %s: %w: %v (%d)", op, kind, cause, res)
	}
	return fmt.Errorf("vulkan: %s: %w (%d)", op, cause, res)
}
