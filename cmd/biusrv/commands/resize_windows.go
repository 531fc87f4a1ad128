package commands

import (
	"context"
	"os"
)

func watchResize(context.Context, *os.File, func(cols, rows int)) {}
