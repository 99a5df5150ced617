package assembly

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dosanma1/vidforge/internal/imagespec"
)

// RenderDockerfile renders layers as a Dockerfile with one instruction group
// per layer, plus the matching .dockerignore for the source step. S3
// downloads are fetched on the host, so they render as a COPY from the
// staging path below .vidforge/stage.
func RenderDockerfile(layers []*Layer) (string, string) {
	var b strings.Builder
	var ignore []string

	for _, l := range layers {
		fmt.Fprintf(&b, "# %s (%s)\n", l.Name, l.Kind)

		switch l.Kind {
		case imagespec.KindBase:
			fmt.Fprintf(&b, "FROM %s\n", l.Base)
			if l.ClearEntrypoint {
				b.WriteString("ENTRYPOINT []\n")
			}
		case imagespec.KindEnv:
			for _, k := range sortedKeys(l.Env) {
				fmt.Fprintf(&b, "ENV %s=%s\n", k, strconv.Quote(l.Env[k]))
			}
		case imagespec.KindSource:
			for _, c := range l.Sources {
				fmt.Fprintf(&b, "COPY %s %s\n", c.From, c.To)
			}
			ignore = append(ignore, l.step.Source.Ignore...)
		case imagespec.KindDownload:
			if d := l.step.Download; d.Store == imagespec.StoreS3 {
				fmt.Fprintf(&b, "COPY .vidforge/stage/%s %s\n", strings.TrimPrefix(d.Dest, "/"), d.Dest)
			}
		default:
			for _, c := range l.Sources {
				fmt.Fprintf(&b, "COPY %s %s\n", c.From, c.To)
			}
		}

		if len(l.Commands) > 0 {
			if l.GPU != "" {
				fmt.Fprintf(&b, "# requires gpu %s at build time\n", l.GPU)
			}
			fmt.Fprintf(&b, "RUN %s\n", strings.Join(l.Commands, " && \\\n    "))
		}
		b.WriteString("\n")
	}

	var ig strings.Builder
	for _, pattern := range ignore {
		fmt.Fprintf(&ig, "**/%s\n", pattern)
		fmt.Fprintf(&ig, "%s\n", pattern)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", ig.String()
}
