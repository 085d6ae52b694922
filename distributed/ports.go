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
	"net"

	"github.com/pkg/errors"
)

// FindFreePort asks the kernel for a free TCP port on localhost and
// returns a rendezvous address using it.
//
// The port is released before returning, so there is a small window in
// which another process could grab it. Good enough for single-host
// launches; multi-host runs should configure the address explicitly.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", errors.Wrap(err, "failed to probe for a free port")
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return "", errors.Wrap(err, "failed to release probed port")
	}
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}
