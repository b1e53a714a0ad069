/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package calling

import (
	"fmt"

	"github.com/handylink/callkit-go-sdk/signaling"
)

// callLabel returns the user-facing prefix for a call type.
func callLabel(t signaling.CallType) string {
	if t == signaling.CallTypeVideo {
		return "📹 Video call"
	}
	return "📞 Voice call"
}

// durationSummary formats the summary line posted after a connected call
// ends, e.g. "📞 Voice call · 05:12".
func durationSummary(t signaling.CallType, seconds int) string {
	return fmt.Sprintf("%s · %s", callLabel(t), formatDuration(seconds))
}

// outcomeSummary formats the summary line for a call that never connected,
// e.g. "📞 Voice call · No answer".
func outcomeSummary(t signaling.CallType, outcome string) string {
	return fmt.Sprintf("%s · %s", callLabel(t), outcome)
}

// formatDuration renders whole seconds as zero-padded mm:ss. Minutes are
// unbounded, so a 65-minute call reads "65:00".
func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
