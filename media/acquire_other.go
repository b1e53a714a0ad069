/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

//go:build !linux || !cgo

package media

// acquirePlatform has no capture driver support off Linux; calls run on the
// synthetic silent track.
func acquirePlatform(_ *Config, wantVideo bool) (*Handle, error) {
	return newSyntheticHandle(wantVideo)
}
