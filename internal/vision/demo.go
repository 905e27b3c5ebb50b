package vision

import (
	"fmt"
	"math"
)

// DemoLine produces the i-th frame of a scripted drive at 20 frames per
// second: a gently weaving lane with a red light from second 10 to 15 of
// every 30 second cycle. It feeds the mock vision link in dev mode.
func DemoLine(i int) string {
	t := float64(i) / 20
	lane := 0.3 * math.Sin(t/2)
	light := "green"
	if phase := math.Mod(t, 30); phase >= 10 && phase < 15 {
		light = "red"
	}
	return fmt.Sprintf(`{"lane_error":%.3f,"light":%q,"obstacle":false}`, lane, light)
}
