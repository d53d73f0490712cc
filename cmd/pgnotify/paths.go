package main

import "tools.zach/dev/pgnotify/internal/paths"

// DataPaths aliases [paths.DataDir] so command code can use the path helpers
// without qualifying the internal package.
type DataPaths = paths.DataDir
