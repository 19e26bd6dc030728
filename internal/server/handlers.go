package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hitomi/internal/camera"
)

// streamPollInterval は新しいフレームを待つ間のポーリング間隔
const streamPollInterval = 5 * time.Millisecond

// handleIndex はストリームと設定フォームを表示するコントロールページ
func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Hitomi - カメラストリーミング</title>
</head>
<body>
    <h1>Hitomi カメラストリーミング</h1>
    <img src="/stream.mjpg" alt="camera stream">
    <h2>カメラ設定</h2>
    <form action="/settings" method="post">
        露光時間 (us): <input type="text" name="exposure">
        ゲイン (dB): <input type="text" name="gain">
        <input type="submit" value="適用">
    </form>
    <form action="/video_settings" method="post">
        解像度: <input type="text" name="resolution" placeholder="1280x720">
        fps: <input type="text" name="fps">
        反転: <select name="flip">
            <option value="none">なし</option>
            <option value="h">水平</option>
            <option value="v">垂直</option>
            <option value="hv">両方</option>
        </select>
        <input type="submit" value="適用">
    </form>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>デバイス一覧: <a href="/api/devices">/api/devices</a></p>
    <p>メトリクス: <a href="/metrics">/metrics</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// handleStream はMJPEGストリームを配信する
func (s *Server) handleStream(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if s.config.Camera.NoBuffer {
		s.streamNoBuffer(c, writer, flusher)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// 同じフレームを二度送らないようシーケンス番号で追跡する
	var lastSeq uint64

	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return
		default:
		}

		frame, seq, ok := s.session.ReadFrame()
		if !ok || seq == lastSeq {
			time.Sleep(streamPollInterval)
			continue
		}
		lastSeq = seq

		if err := writeMJPEGPart(writer, frame); err != nil {
			return
		}
		flusher.Flush()
		s.session.MarkServed()
	}
}

// streamNoBuffer はno-bufferモードの配信ループ
// クライアントごとに同期取得するため、取得レートは接続数に依存する
func (s *Server) streamNoBuffer(c *gin.Context, writer gin.ResponseWriter, flusher http.Flusher) {
	clientGone := c.Request.Context().Done()
	delay := s.config.Camera.TargetDelay()

	for {
		select {
		case <-clientGone:
			return
		default:
		}

		frame, err := s.session.ReadAndEncode()
		if err != nil || frame == nil {
			time.Sleep(delay)
			continue
		}

		if err := writeMJPEGPart(writer, frame); err != nil {
			return
		}
		flusher.Flush()
		s.session.MarkServed()

		time.Sleep(delay)
	}
}

// writeMJPEGPart はマルチパートの1パートを書き込む
func writeMJPEGPart(w http.ResponseWriter, frame []byte) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return nil
}

// handleSettings は露光時間とゲインの取得・変更
// 変更はコマンドキューに投入されるだけで、適用は取得ループが行う
func (s *Server) handleSettings(c *gin.Context) {
	exposure := paramValue(c, "exposure")
	gain := paramValue(c, "gain")

	applied := gin.H{}

	if exposure != "" {
		value, err := strconv.ParseFloat(exposure, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "露光時間の値が不正です"})
			return
		}
		s.session.SetExposure(value)
		applied["exposure"] = value
	}

	if gain != "" {
		value, err := strconv.ParseFloat(gain, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ゲインの値が不正です"})
			return
		}
		s.session.SetGain(value)
		applied["gain"] = value
	}

	if len(applied) == 0 {
		// パラメータなしのGETは現在値を返す
		status := s.session.GetStatus()
		c.JSON(http.StatusOK, gin.H{
			"exposure": status.Exposure,
			"gain":     status.Gain,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued", "applied": applied})
}

// handleVideoSettings は解像度・fps・反転モードの取得・変更
func (s *Server) handleVideoSettings(c *gin.Context) {
	resolution := paramValue(c, "resolution")
	fpsParam := paramValue(c, "fps")
	flipParam := paramValue(c, "flip")

	var width, height, fps int

	if resolution != "" {
		n, err := fmt.Sscanf(resolution, "%dx%d", &width, &height)
		if err != nil || n != 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "解像度の形式が不正です（幅x高さ が必要）"})
			return
		}
	}

	if fpsParam != "" {
		value, err := strconv.Atoi(fpsParam)
		if err != nil || value <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fpsの値が不正です"})
			return
		}
		fps = value
	}

	if width == 0 && fps == 0 && flipParam == "" {
		// パラメータなしのGETは現在値を返す
		status := s.session.GetStatus()
		c.JSON(http.StatusOK, gin.H{
			"resolution": status.Resolution,
			"fps":        status.FPS,
		})
		return
	}

	if width > 0 || fps > 0 {
		s.session.Reconfigure(width, height, fps)
	}
	if flipParam != "" {
		s.session.SetFlip(camera.ParseFlipMode(flipParam))
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// handleMetrics はメトリクスのスナップショットを返す
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.GetMetrics())
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	status := s.session.GetStatus()

	// no-bufferモードではフレームを保持しないため稼働状態のみ見る
	healthy := status.Running
	if !s.config.Camera.NoBuffer {
		healthy = healthy && status.HasFrame
	}

	health := "healthy"
	code := http.StatusOK
	if !healthy {
		health = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    health,
		"running":   status.Running,
		"has_frame": status.HasFrame,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus はセッション状態とサーバー情報を返す
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"session":   s.session.GetStatus(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleDevices は検出されたカメラデバイスの一覧を返す
func (s *Server) handleDevices(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	devices, err := s.discovery.ScanDevices(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "デバイスのスキャンに失敗しました"})
		return
	}

	list := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		list = append(list, gin.H{
			"device": device,
			"name":   camera.DeviceName(device),
		})
	}

	c.JSON(http.StatusOK, gin.H{"devices": list})
}

// paramValue はクエリとフォームの両方からパラメータを取得する
func paramValue(c *gin.Context, key string) string {
	if value := c.Query(key); value != "" {
		return value
	}
	return c.PostForm(key)
}
