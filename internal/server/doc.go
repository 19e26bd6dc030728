// Package server はMJPEGストリーミングと設定変更のHTTP APIを提供する
//
// ストリーミングはmultipart/x-mixed-replaceによるMJPEG配信で、
// 各クライアントはFrameSlotの最新フレームをシーケンス番号で追跡する。
// 設定変更エンドポイントはCaptureSessionのコマンドキューに投入するだけで、
// ハードウェアには触れない。
package server
