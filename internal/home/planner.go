// Package home turns a natural-language description of a dwelling into a
// floor plan: rooms laid out on a grid, doors on shared walls reaching
// every room from the living room, and a furniture list for the 3D scene.
package home

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/meshport/meshport/internal/apperr"
)

const (
	maxBedrooms = 6
	feetToMeter = 0.3048
	// minDoorSpan is the shortest shared wall a door is placed on.
	minDoorSpan = 3.0
	wallEps     = 0.05
)

var bhkPattern = regexp.MustCompile(`(\d+)\s*-?\s*bhk`)

var wordNumbers = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
}

var wordBedrooms = regexp.MustCompile(`(one|two|three|four|five|six|\d+)\s+bed(room)?s?`)

// baseSize holds the footprint in feet for each room type before scaling.
var baseSize = map[RoomType]Dimensions{
	RoomLiving:   {WidthFt: 16, HeightFt: 14},
	RoomBedroom:  {WidthFt: 12, HeightFt: 12},
	RoomKitchen:  {WidthFt: 10, HeightFt: 10},
	RoomBathroom: {WidthFt: 8, HeightFt: 6},
	RoomBalcony:  {WidthFt: 10, HeightFt: 5},
	RoomDining:   {WidthFt: 12, HeightFt: 10},
	RoomOffice:   {WidthFt: 10, HeightFt: 10},
}

// Requirements is what the planner extracted from a prompt.
type Requirements struct {
	Bedrooms    int
	Bathrooms   int
	Studio      bool
	OpenKitchen bool
	Balcony     bool
	Dining      bool
	Office      bool
	Scale       float64
}

// ParsePrompt extracts room requirements from a free-form description.
func ParsePrompt(prompt string) (Requirements, error) {
	p := strings.ToLower(strings.TrimSpace(prompt))
	if p == "" {
		return Requirements{}, apperr.Validation("Please describe the home you want to generate", nil)
	}

	req := Requirements{Bedrooms: 1, Scale: 1}

	switch {
	case strings.Contains(p, "studio"):
		req.Studio = true
		req.Bedrooms = 0
	case bhkPattern.MatchString(p):
		n, _ := strconv.Atoi(bhkPattern.FindStringSubmatch(p)[1])
		req.Bedrooms = n
	case wordBedrooms.MatchString(p):
		w := wordBedrooms.FindStringSubmatch(p)[1]
		if n, ok := wordNumbers[w]; ok {
			req.Bedrooms = n
		} else {
			req.Bedrooms, _ = strconv.Atoi(w)
		}
	}
	if req.Bedrooms < 0 {
		req.Bedrooms = 0
	}
	if req.Bedrooms > maxBedrooms {
		req.Bedrooms = maxBedrooms
	}
	if !req.Studio && req.Bedrooms == 0 {
		req.Bedrooms = 1
	}

	req.Bathrooms = (req.Bedrooms + 1) / 2
	if req.Bathrooms < 1 {
		req.Bathrooms = 1
	}

	req.OpenKitchen = strings.Contains(p, "open kitchen")
	req.Balcony = strings.Contains(p, "balcony") || strings.Contains(p, "terrace")
	req.Dining = strings.Contains(p, "dining")
	req.Office = strings.Contains(p, "office") || strings.Contains(p, "study")

	switch {
	case strings.Contains(p, "large"), strings.Contains(p, "spacious"), strings.Contains(p, "villa"):
		req.Scale = 1.25
	case req.Studio, strings.Contains(p, "compact"), strings.Contains(p, "small"):
		req.Scale = 0.85
	}
	return req, nil
}

// Plan builds the floor plan for a prompt.
func Plan(prompt string) (FloorPlan, error) {
	req, err := ParsePrompt(prompt)
	if err != nil {
		return FloorPlan{}, err
	}
	return Layout(req), nil
}

// Layout places the rooms for req, wires doors and furnishes them. Every
// door sits on a wall shared by the two rooms it joins.
func Layout(req Requirements) FloorPlan {
	rooms := roomList(req)
	total := packRows(rooms)

	plan := FloorPlan{
		Rooms:           rooms,
		TotalDimensions: total,
	}
	plan.Connections = connect(rooms)
	for _, r := range rooms {
		plan.Furniture = append(plan.Furniture, furnish(r)...)
	}
	return plan
}

func roomList(req Requirements) []Room {
	counts := map[RoomType]int{}
	var rooms []Room
	add := func(t RoomType, widen float64) {
		counts[t]++
		d := baseSize[t]
		rooms = append(rooms, Room{
			ID:   fmt.Sprintf("%s_%d", t, counts[t]),
			Type: t,
			Dimensions: Dimensions{
				WidthFt:  round1(d.WidthFt * req.Scale * widen),
				HeightFt: round1(d.HeightFt * req.Scale),
			},
		})
	}

	// The living room is always first; doors are measured from it.
	add(RoomLiving, 1)
	kitchenWiden := 1.0
	if req.OpenKitchen {
		kitchenWiden = 1.2
	}
	add(RoomKitchen, kitchenWiden)
	for i := 0; i < req.Bedrooms; i++ {
		widen := 1.0
		if i == 0 {
			widen = 1.15
		}
		add(RoomBedroom, widen)
	}
	for i := 0; i < req.Bathrooms; i++ {
		add(RoomBathroom, 1)
	}
	if req.Dining {
		add(RoomDining, 1)
	}
	if req.Office {
		add(RoomOffice, 1)
	}
	if req.Balcony {
		add(RoomBalcony, 1)
	}
	return rooms
}

// packRows assigns positions row by row, wrapping when a row would exceed
// the target width, and returns the overall footprint. Rooms take the depth
// of their row, so each row is a continuous strip and the first rooms of
// consecutive rows always share a wall.
func packRows(rooms []Room) Dimensions {
	var area, widest float64
	for _, r := range rooms {
		area += r.Dimensions.WidthFt * r.Dimensions.HeightFt
		widest = math.Max(widest, r.Dimensions.WidthFt)
	}
	maxWidth := math.Max(widest, math.Ceil(math.Sqrt(area)*1.3))

	var x, y, rowHeight, totalWidth float64
	rowStart := 0
	endRow := func(end int) {
		for j := rowStart; j < end; j++ {
			rooms[j].Dimensions.HeightFt = rowHeight
		}
	}
	for i := range rooms {
		d := rooms[i].Dimensions
		if x > 0 && x+d.WidthFt > maxWidth {
			endRow(i)
			y = round1(y + rowHeight)
			x, rowHeight, rowStart = 0, 0, i
		}
		rooms[i].Position = Point{XFt: round1(x), YFt: y}
		x = round1(x + d.WidthFt)
		rowHeight = math.Max(rowHeight, d.HeightFt)
		totalWidth = math.Max(totalWidth, x)
	}
	endRow(len(rooms))
	return Dimensions{WidthFt: round1(totalWidth), HeightFt: round1(y + rowHeight)}
}

// connect links every room to the living room (rooms[0]) through a tree of
// doors, walking outwards over shared walls so nearer rooms open onto the
// living room directly.
func connect(rooms []Room) []Connection {
	if len(rooms) == 0 {
		return nil
	}
	var doors []Connection
	seen := make([]bool, len(rooms))
	seen[0] = true
	queue := []int{0}
	for len(queue) > 0 {
		from := rooms[queue[0]]
		queue = queue[1:]
		for i, to := range rooms {
			if seen[i] {
				continue
			}
			pos, ok := sharedWall(from, to)
			if !ok {
				continue
			}
			seen[i] = true
			queue = append(queue, i)
			doors = append(doors, Connection{From: from.ID, To: to.ID, Type: "door", Position: pos})
		}
	}
	return doors
}

// sharedWall returns the middle of the wall a and b have in common, when
// it is long enough to hold a door.
func sharedWall(a, b Room) (Point, bool) {
	ax0, ay0 := a.Position.XFt, a.Position.YFt
	ax1, ay1 := ax0+a.Dimensions.WidthFt, ay0+a.Dimensions.HeightFt
	bx0, by0 := b.Position.XFt, b.Position.YFt
	bx1, by1 := bx0+b.Dimensions.WidthFt, by0+b.Dimensions.HeightFt

	near := func(u, v float64) bool { return math.Abs(u-v) < wallEps }

	if near(ax1, bx0) || near(bx1, ax0) {
		lo, hi := math.Max(ay0, by0), math.Min(ay1, by1)
		if hi-lo >= minDoorSpan {
			x := ax1
			if near(bx1, ax0) {
				x = ax0
			}
			return Point{XFt: round1(x), YFt: round1((lo + hi) / 2)}, true
		}
	}
	if near(ay1, by0) || near(by1, ay0) {
		lo, hi := math.Max(ax0, bx0), math.Min(ax1, bx1)
		if hi-lo >= minDoorSpan {
			y := ay1
			if near(by1, ay0) {
				y = ay0
			}
			return Point{XFt: round1((lo + hi) / 2), YFt: round1(y)}, true
		}
	}
	return Point{}, false
}

var furnitureByRoom = map[RoomType][]FurnitureType{
	RoomLiving:  {FurnitureSofa, FurnitureChair},
	RoomBedroom: {FurnitureCupboard},
	RoomKitchen: {FurnitureCupboard},
	RoomDining:  {FurnitureChair, FurnitureChair},
	RoomOffice:  {FurnitureDesk, FurnitureChair},
	RoomBalcony: {FurnitureChair},
}

// furnish spreads the room's furniture along its width. Positions are in
// meters with y up, matching the 3D scene.
func furnish(r Room) []FurniturePlacement {
	items := furnitureByRoom[r.Type]
	if len(items) == 0 {
		return nil
	}
	out := make([]FurniturePlacement, 0, len(items))
	step := r.Dimensions.WidthFt / float64(len(items)+1)
	for i, f := range items {
		x := r.Position.XFt + step*float64(i+1)
		z := r.Position.YFt + r.Dimensions.HeightFt/2
		rot := 0.0
		if f == FurnitureCupboard {
			// Against the back wall, facing into the room.
			z = r.Position.YFt + 1
			rot = math.Pi
		}
		out = append(out, FurniturePlacement{
			FurnitureType: f,
			Position:      Vec3{X: round2(x * feetToMeter), Z: round2(z * feetToMeter)},
			Rotation:      Vec3{Y: round2(rot)},
			Scale:         Vec3{X: 1, Y: 1, Z: 1},
		})
	}
	return out
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
