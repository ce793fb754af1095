package api

import (
	"render-worker/internal/core"
	"render-worker/pkg/api"
)

func convertWarnings(w *core.Warnings) *api.Warnings {
	if w == nil {
		return nil
	}

	details := make([]api.FailedUpload, 0, len(w.Details))
	for _, d := range w.Details {
		details = append(details, api.FailedUpload{
			Source:       d.Source,
			Error:        d.Error,
			DeliveredVia: d.DeliveredVia,
		})
	}

	return &api.Warnings{FailedUploads: w.FailedUploads, Details: details}
}

func convertResult(r core.Result) api.RunResponse {
	links := r.Links
	if links == nil {
		links = []string{}
	}

	return api.RunResponse{
		Links:       links,
		TotalImages: r.TotalImages,
		JobId:       r.JobId,
		StorageType: r.StorageType,
		Warnings:    convertWarnings(r.Warnings),
		S3Bucket:    r.S3Bucket,
		LocalPaths:  r.LocalPaths,
		VolumePaths: r.VolumePaths,
	}
}
