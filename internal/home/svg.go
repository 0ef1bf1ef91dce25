package home

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"

	svg "github.com/ajstarks/svgo"
)

const (
	pxPerFoot = 10
	margin    = 20
)

var roomFill = map[RoomType]string{
	RoomLiving:   "#f4e9d8",
	RoomBedroom:  "#dbe7f3",
	RoomKitchen:  "#f7dede",
	RoomBathroom: "#dff2ef",
	RoomBalcony:  "#e4f2d9",
	RoomDining:   "#f3ecd1",
	RoomOffice:   "#e8e1f3",
}

// RenderSVG writes a top-down plan of fp to w.
func RenderSVG(w io.Writer, fp FloorPlan) {
	width := px(fp.TotalDimensions.WidthFt) + 2*margin
	height := px(fp.TotalDimensions.HeightFt) + 2*margin

	canvas := svg.New(w)
	canvas.Start(width, height)
	canvas.Title("Floor plan")
	canvas.Rect(0, 0, width, height, "fill:#ffffff")

	for _, r := range fp.Rooms {
		x, y := px(r.Position.XFt)+margin, px(r.Position.YFt)+margin
		rw, rh := px(r.Dimensions.WidthFt), px(r.Dimensions.HeightFt)
		fill, ok := roomFill[r.Type]
		if !ok {
			fill = "#eeeeee"
		}
		canvas.Rect(x, y, rw, rh, fmt.Sprintf("fill:%s;stroke:#333333;stroke-width:2", fill))
		canvas.Text(x+rw/2, y+rh/2, label(r.Type),
			"text-anchor:middle;font-family:sans-serif;font-size:11px;fill:#333333")
		canvas.Text(x+rw/2, y+rh/2+13,
			fmt.Sprintf("%g' x %g'", r.Dimensions.WidthFt, r.Dimensions.HeightFt),
			"text-anchor:middle;font-family:sans-serif;font-size:9px;fill:#666666")
	}

	for _, c := range fp.Connections {
		canvas.Circle(px(c.Position.XFt)+margin, px(c.Position.YFt)+margin, 4, "fill:#8b5a2b")
	}
	canvas.End()
}

// SVG renders fp to a byte slice.
func SVG(fp FloorPlan) []byte {
	var buf bytes.Buffer
	RenderSVG(&buf, fp)
	return buf.Bytes()
}

func px(ft float64) int {
	return int(math.Round(ft * pxPerFoot))
}

func label(t RoomType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
