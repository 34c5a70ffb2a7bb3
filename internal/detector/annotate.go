package detector

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"kanken/internal/camera"
)

// classColors は欠陥クラスごとの描画色
var classColors = map[string]color.RGBA{
	"foreign_object": {R: 255, G: 0, B: 0, A: 255},    // 赤
	"crack":          {R: 255, G: 165, B: 0, A: 255},  // オレンジ
	"rust":           {R: 255, G: 140, B: 0, A: 255},  // 濃いオレンジ
	"corrosion":      {R: 255, G: 255, B: 0, A: 255},  // 黄
	"sediment":       {R: 19, G: 69, B: 139, A: 255},  // 茶
	"leak":           {R: 0, G: 0, B: 255, A: 255},    // 青
}

// defaultColor は未知クラスの描画色（緑）
var defaultColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// lineThickness は検出枠の線の太さ（ピクセル）
const lineThickness = 2

// jpegQuality は注釈付きフレームの再エンコード品質
const jpegQuality = 80

// Annotate は検出枠を描画した注釈付きJPEGを生成する
// 元のフレームは変更せず、コピーに描画する
func Annotate(frame *camera.Frame, detections []Detection) []byte {
	// 検出がない場合や画像がない場合は元のJPEGをそのまま使う
	if len(detections) == 0 || frame.Image == nil {
		return frame.Data
	}

	// 元画像のコピーを作成する
	bounds := frame.Image.Bounds()
	annotated := image.NewRGBA(bounds)
	draw.Draw(annotated, bounds, frame.Image, bounds.Min, draw.Src)

	for _, det := range detections {
		c, exists := classColors[det.ClassName]
		if !exists {
			c = defaultColor
		}
		drawRect(annotated, det.BBox, c)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, annotated, &jpeg.Options{Quality: jpegQuality}); err != nil {
		// エンコードに失敗した場合は元のJPEGへフォールバック
		return frame.Data
	}

	return buf.Bytes()
}

// drawRect は検出枠の矩形を描画する
func drawRect(img *image.RGBA, box BoundingBox, c color.RGBA) {
	bounds := img.Bounds()

	for t := 0; t < lineThickness; t++ {
		// 上辺と下辺
		for x := box.X1; x <= box.X2; x++ {
			setPixel(img, bounds, x, box.Y1+t, c)
			setPixel(img, bounds, x, box.Y2-t, c)
		}
		// 左辺と右辺
		for y := box.Y1; y <= box.Y2; y++ {
			setPixel(img, bounds, box.X1+t, y, c)
			setPixel(img, bounds, box.X2-t, y, c)
		}
	}
}

// setPixel は画像の範囲内に収まる場合のみピクセルを描画する
func setPixel(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
		img.SetRGBA(x, y, c)
	}
}
