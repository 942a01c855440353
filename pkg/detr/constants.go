package detr

const (
	// ModelName and ModelRevision identify the published checkpoint the ONNX file is exported from
	ModelName     = "facebook/detr-resnet-50"
	ModelRevision = "no_timm"

	ShortestEdge = 800
	LongestEdge  = 1333

	NumQueries = 100
	// NumClasses includes the trailing "no object" class
	NumClasses = 92

	DefaultThreshold = 0.9
)

var (
	imageMean = [3]float32{0.485, 0.456, 0.406}
	imageStd  = [3]float32{0.229, 0.224, 0.225}
)
