package linkup

import "time"

// nowFunc is the clock used for message and post timestamps.
var nowFunc = time.Now
