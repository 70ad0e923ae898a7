//go:build !unix && !windows

/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pages

import "unsafe"

// DualSupported reports whether MapDual enforces the read-only view.
const DualSupported = false

func mapDual(size int) (rw, ro unsafe.Pointer, err error) {
	return nil, nil, ErrDualUnsupported
}

func unmapDual(rw, ro unsafe.Pointer, size int) error {
	return ErrDualUnsupported
}
