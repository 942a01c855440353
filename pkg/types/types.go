package types

// Box is an axis-aligned bounding box in the pixel space of the source image
type Box struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Slice returns the box as [xmin, ymin, xmax, ymax]
func (b Box) Slice() [4]float64 {
	return [4]float64{b.XMin, b.YMin, b.XMax, b.YMax}
}

// Width returns the horizontal extent of the box
func (b Box) Width() float64 {
	return b.XMax - b.XMin
}

// Height returns the vertical extent of the box
func (b Box) Height() float64 {
	return b.YMax - b.YMin
}

// BoxFromSlice builds a Box from [xmin, ymin, xmax, ymax]
func BoxFromSlice(v [4]float64) Box {
	return Box{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3]}
}

// Detection is a single object found by a model
type Detection struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
	Box   Box     `json:"box"`
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}
