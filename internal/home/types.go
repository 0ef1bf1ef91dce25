package home

type RoomType string

const (
	RoomLiving   RoomType = "living_room"
	RoomBedroom  RoomType = "bedroom"
	RoomKitchen  RoomType = "kitchen"
	RoomBathroom RoomType = "bathroom"
	RoomBalcony  RoomType = "balcony"
	RoomDining   RoomType = "dining_room"
	RoomOffice   RoomType = "office"
)

type FurnitureType string

const (
	FurnitureChair    FurnitureType = "chair"
	FurnitureSofa     FurnitureType = "sofa"
	FurnitureDesk     FurnitureType = "desk"
	FurnitureCupboard FurnitureType = "cupboard"
)

type Dimensions struct {
	WidthFt  float64 `json:"width_ft"`
	HeightFt float64 `json:"height_ft"`
}

type Point struct {
	XFt float64 `json:"x_ft"`
	YFt float64 `json:"y_ft"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Room struct {
	ID         string     `json:"id"`
	Type       RoomType   `json:"type"`
	Dimensions Dimensions `json:"dimensions"`
	Position   Point      `json:"position"`
}

func (r Room) Center() Point {
	return Point{
		XFt: r.Position.XFt + r.Dimensions.WidthFt/2,
		YFt: r.Position.YFt + r.Dimensions.HeightFt/2,
	}
}

type Connection struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Position Point  `json:"position"`
}

type FurniturePlacement struct {
	FurnitureType FurnitureType `json:"furnitureType"`
	Position      Vec3          `json:"position"`
	Rotation      Vec3          `json:"rotation"`
	Scale         Vec3          `json:"scale"`
}

type FloorPlan struct {
	Rooms           []Room               `json:"rooms"`
	Connections     []Connection         `json:"connections"`
	Furniture       []FurniturePlacement `json:"furniture"`
	TotalDimensions Dimensions           `json:"totalDimensions"`
}

// GenerationResponse is the body returned by POST /home/generate.
type GenerationResponse struct {
	Success     bool      `json:"success"`
	ID          string    `json:"id"`
	Plan2D      string    `json:"plan2D"`
	Model3D     string    `json:"model3D"`
	Furnished3D string    `json:"furnished3D"`
	Data        FloorPlan `json:"data"`
	Error       string    `json:"error,omitempty"`
}
