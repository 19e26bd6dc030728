package camera

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Pipeline はフレームの変換・エンコード処理を表す
// 各ステージはパラメータがデフォルト値のとき何もしない
type Pipeline struct {
	roi       *ROI
	flip      FlipMode
	downscale int
	quality   int
}

// NewPipeline は設定からパイプラインを作成する
func NewPipeline(cfg Config) *Pipeline {
	downscale := cfg.Downscale
	if downscale < 1 {
		downscale = 1
	}

	return &Pipeline{
		roi:       cfg.ROI,
		flip:      cfg.FlipMode,
		downscale: downscale,
		quality:   clampQuality(cfg.JPEGQuality),
	}
}

// Quality はクランプ後のJPEG品質を返す
func (p *Pipeline) Quality() int {
	return p.quality
}

// SetFlip は反転モードを変更する
// Transformと同じゴルーチン（取得ループ）からのみ呼び出すこと
func (p *Pipeline) SetFlip(mode FlipMode) {
	p.flip = mode
}

// Transform はROI切り出し・反転・縮小をこの順で適用する
// frameは各ステージで置き換えられ、元のMatは解放される
func (p *Pipeline) Transform(frame *gocv.Mat) {
	applyROI(frame, p.roi)
	applyFlip(frame, p.flip)
	applyDownscale(frame, p.downscale)
}

// Encode はフレームをJPEGにエンコードする
func (p *Pipeline) Encode(frame gocv.Mat) ([]byte, error) {
	params := []int{int(gocv.IMWriteJpegQuality), p.quality}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, params)
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()

	// バッファはClose時に解放されるためコピーを返す
	raw := buf.GetBytes()
	encoded := make([]byte, len(raw))
	copy(encoded, raw)
	return encoded, nil
}

// applyROI は指定領域を切り出す
// 原点がフレーム外の場合はステージ全体をスキップする（エラーにはしない）
func applyROI(frame *gocv.Mat, roi *ROI) {
	if roi == nil {
		return
	}

	width := frame.Cols()
	height := frame.Rows()
	if roi.X < 0 || roi.Y < 0 || roi.X >= width || roi.Y >= height {
		return
	}

	// フレーム境界に収まるようクリップする
	x2 := roi.X + roi.Width
	if x2 > width {
		x2 = width
	}
	y2 := roi.Y + roi.Height
	if y2 > height {
		y2 = height
	}

	region := frame.Region(image.Rect(roi.X, roi.Y, x2, y2))
	cropped := region.Clone()
	_ = region.Close()
	_ = frame.Close()
	*frame = cropped
}

// applyFlip は指定された軸でフレームを反転する
func applyFlip(frame *gocv.Mat, mode FlipMode) {
	var code int
	switch mode {
	case FlipHorizontal:
		code = 1
	case FlipVertical:
		code = 0
	case FlipBoth:
		code = -1
	default:
		return
	}

	flipped := gocv.NewMat()
	gocv.Flip(*frame, &flipped, code)
	_ = frame.Close()
	*frame = flipped
}

// applyDownscale は整数係数で両辺を縮小する（面積平均リサンプリング）
func applyDownscale(frame *gocv.Mat, factor int) {
	if factor <= 1 {
		return
	}

	width := frame.Cols() / factor
	height := frame.Rows() / factor
	if width < 1 || height < 1 {
		return
	}

	scaled := gocv.NewMat()
	gocv.Resize(*frame, &scaled, image.Pt(width, height), 0, 0, gocv.InterpolationArea)
	_ = frame.Close()
	*frame = scaled
}
