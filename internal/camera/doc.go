// Package camera はカメラからのフレーム取得とMJPEG配信用のエンコードを提供する
//
// CaptureSessionが1台のカメラを所有し、専用ゴルーチンの取得ループが
// バックエンド（UVC/産業用）からフレームを取得、変換パイプラインで
// ROI切り出し・反転・縮小・JPEGエンコードを行い、FrameSlotに発行する。
// パラメータ変更はCommandQueue経由で取得ループに直列化される。
package camera
