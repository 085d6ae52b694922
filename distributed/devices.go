/*
 *	Copyright 2024 The TSGAN Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package distributed

import (
	"fmt"
	"runtime"
)

// Device is a compute device a rank is bound to. Only CPU devices
// exist in this implementation; the type keeps the rank-to-device
// mapping explicit so an accelerator backend slots in without touching
// the coordinator.
type Device struct {
	Kind  string
	Index int
}

// String implements fmt.Stringer, e.g. "cpu:1".
func (d Device) String() string { return fmt.Sprintf("%s:%d", d.Kind, d.Index) }

// LocalDevices returns the number of compute devices on this host.
func LocalDevices() int { return runtime.NumCPU() }

// DeviceForRank maps a rank onto one of the available local devices.
// Ranks beyond the device count share devices round-robin; CPU devices
// oversubscribe safely. It fails with ErrDeviceUnavailable only when
// there is no device at all.
func DeviceForRank(rank, available int) (Device, error) {
	if available <= 0 {
		return Device{}, ErrDeviceUnavailable
	}
	return Device{Kind: "cpu", Index: rank % available}, nil
}
