// Copyright 2018-2019 The logrange Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var (
	sfOnce sync.Once
	sfGen  *sonyflake.Sonyflake
)

// machineId folds the first non-loopback hardware address into 16 bits. If
// there is no such interface, the process id is used instead.
func machineId() uint16 {
	var mid uint16
	ifss, err := net.Interfaces()
	if err == nil {
		for _, ifs := range ifss {
			if ifs.Flags&net.FlagLoopback != 0 || len(ifs.HardwareAddr) == 0 {
				continue
			}
			for i, b := range ifs.HardwareAddr {
				mid ^= uint16(b) << (8 * uint(i%2))
			}
			return mid
		}
	}
	return uint16(os.Getpid())
}

// NextId64 returns a unique, time ordered, 64 bit identifier.
func NextId64() uint64 {
	sfOnce.Do(func() {
		mid := machineId()
		sfGen = sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: time.Now().Add(-time.Hour),
			MachineID: func() (uint16, error) {
				return mid, nil
			},
		})
	})

	id, err := sfGen.NextID()
	if err != nil {
		panic(err)
	}
	return id
}

// NewRunId returns NextId64 in base 36, it is short enough to be used as a
// logger id.
func NewRunId() string {
	return strconv.FormatUint(NextId64(), 36)
}
